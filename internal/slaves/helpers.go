package slaves

import (
	"os"

	"github.com/barkeep-io/barkeep/internal/barerr"
)

func errSlaveDisconnected(addr Address) error {
	return barerr.New(barerr.CodeSlaveDisconnected, "slave %s is not paired", addr)
}

func errListBusy() error {
	return barerr.New(barerr.CodeConnectFail, "job list busy")
}

func hostName() string {
	h, err := os.Hostname()
	if err != nil {
		return "master"
	}
	return h
}
