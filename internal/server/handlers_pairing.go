package server

import (
	"time"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/pairing"
	"github.com/barkeep-io/barkeep/internal/protocol"
)

func (d *dispatcher) registerPairing() {
	d.register("masterGet", maskAuthorized, d.cmdMasterGet)
	d.register("masterClear", maskAuthorized, d.cmdMasterClear)
	d.register("masterPairingStart", maskAuthorized, d.cmdMasterPairingStart)
	d.register("masterPairingStop", maskAuthorized, d.cmdMasterPairingStop)
	d.register("masterPairingStatus", maskAuthorized, d.cmdMasterPairingStatus)
}

// cmdMasterGet reports the persisted master record.
func (d *dispatcher) cmdMasterGet(_ *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	master := d.srv.Config.Get().Master
	return protocol.Fields{}.
		Add("name", master.Name).
		Add("paired", boolWord(master.IsPaired())), nil
}

// cmdMasterClear un-pairs the slave and disconnects master sessions.
func (d *dispatcher) cmdMasterClear(_ *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	if d.srv.Config.Get().Mode != config.ModeSlave {
		return nil, barerr.New(barerr.CodeNotASlave, "not a slave")
	}
	return nil, d.srv.Pairing.ClearPaired()
}

// cmdMasterPairingStart opens a manual pairing window.
func (d *dispatcher) cmdMasterPairingStart(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if d.srv.Config.Get().Mode != config.ModeSlave {
		return nil, barerr.New(barerr.CodeNotASlave, "not a slave")
	}
	timeout := time.Duration(cmd.Args.IntDefault("timeout", 0)) * time.Second
	d.srv.Pairing.Begin(timeout, pairing.ModeManual)
	return nil, nil
}

// cmdMasterPairingStop completes (pair=yes) or aborts a pairing window.
func (d *dispatcher) cmdMasterPairingStop(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if cmd.Args.Bool("pair", false) {
		name, uuidHash := d.srv.Pairing.Pending()
		if name == "" {
			return nil, barerr.New(barerr.CodeNotPaired, "no pending pairing request")
		}
		return nil, d.srv.Pairing.End(name, uuidHash)
	}
	d.srv.Pairing.Abort()
	return nil, nil
}

// cmdMasterPairingStatus reports the pairing mode and pending identity.
func (d *dispatcher) cmdMasterPairingStatus(_ *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	mode, name, remaining := d.srv.Pairing.Status()
	f := protocol.Fields{}.
		Add("pairingMode", mode.String()).
		Add("name", name)
	if mode != pairing.ModeNone {
		f = f.Add("restTime", int(remaining.Seconds()))
	}
	return f, nil
}
