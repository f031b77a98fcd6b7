package verifier

import (
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
)

func testEntry() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeReader struct{ clones int32 }

func (r *fakeReader) Clone() Reader {
	atomic.AddInt32(&r.clones, 1)
	return r
}

func TestRunBatchMergesAllPartitions(t *testing.T) {
	pool := New(4, testEntry())
	defer pool.Shutdown()

	var sum int32
	job := &Job{
		Reader: &fakeReader{},
		Validate: func(reader Reader, index, total int) (interface{}, bool) {
			return index, false
		},
		Merge: func(partial interface{}) {
			atomic.AddInt32(&sum, int32(partial.(int)))
		},
	}

	fail := pool.RunBatch(job, 4)
	if fail {
		t.Fatal("expected no failure")
	}
	if sum != 0+1+2+3 {
		t.Fatalf("expected merged sum of partition indices 6, got %d", sum)
	}
}

func TestRunBatchPropagatesFailure(t *testing.T) {
	pool := New(3, testEntry())
	defer pool.Shutdown()

	job := &Job{
		Reader: &fakeReader{},
		Validate: func(reader Reader, index, total int) (interface{}, bool) {
			return nil, index == 1
		},
	}
	if !pool.RunBatch(job, 3) {
		t.Fatal("expected batch to report failure when one worker fails")
	}
}

func TestRunBatchInlineWhenSizeZero(t *testing.T) {
	pool := New(0, testEntry())
	defer pool.Shutdown()

	var sum int
	job := &Job{
		Reader: &fakeReader{},
		Validate: func(reader Reader, index, total int) (interface{}, bool) {
			return index, false
		},
		Merge: func(partial interface{}) { sum += partial.(int) },
	}
	if pool.RunBatch(job, 3) {
		t.Fatal("expected inline batch to succeed")
	}
	if sum != 0+1+2 {
		t.Fatalf("expected inline merge to sum to 3, got %d", sum)
	}
}
