//go:build windows

package main

import (
	"github.com/beamlabs/beamnode/internal/node"
	"github.com/btcsuite/winsvc"
	"github.com/sirupsen/logrus"
)

func isAnInteractiveSession() (bool, error) {
	return winsvc.IsAnInteractiveSession()
}

// windowsService adapts Node's Start/Stop into winsvc's control-request
// handshake, the way kaspad's own main wraps its service struct for
// Windows service hosting.
type windowsService struct {
	n   *node.Node
	log *logrus.Entry
}

func (s *windowsService) Execute(args []string, r <-chan winsvc.ChangeRequest, statusCh chan<- winsvc.Status) (bool, uint32) {
	statusCh <- winsvc.Status{State: winsvc.StartPending}

	if err := s.n.Start(); err != nil {
		s.log.WithError(err).Error("failed to start node")
		return true, 1
	}

	statusCh <- winsvc.Status{State: winsvc.Running, Accepts: winsvc.AcceptStop | winsvc.AcceptShutdown}

loop:
	for c := range r {
		switch c.Cmd {
		case winsvc.Interrogate:
			statusCh <- c.CurrentStatus
		case winsvc.Stop, winsvc.Shutdown:
			break loop
		}
	}

	statusCh <- winsvc.Status{State: winsvc.StopPending}
	if err := s.n.Stop(); err != nil {
		s.log.WithError(err).Error("failed to stop node cleanly")
	}
	statusCh <- winsvc.Status{State: winsvc.Stopped}
	return false, 0
}

func runAsService(n *node.Node, log *logrus.Entry) error {
	return winsvc.Run("beamnode", &windowsService{n: n, log: log})
}
