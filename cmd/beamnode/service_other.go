//go:build !windows

package main

import (
	"github.com/beamlabs/beamnode/internal/node"
	"github.com/sirupsen/logrus"
)

func isAnInteractiveSession() (bool, error) { return true, nil }

func runAsService(n *node.Node, log *logrus.Entry) error { return n.Start() }
