package server

import (
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/authz"
	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/pairing"
	"github.com/barkeep-io/barkeep/internal/protocol"
)

func (d *dispatcher) registerSession() {
	d.registerInline("startTLS", maskAny, d.cmdStartTLS)
	d.registerInline("authorize", maskWaiting, d.cmdAuthorize)
	d.registerInline("version", maskAny, d.cmdVersion)
	d.registerInline("quit", maskAuthorized, d.cmdQuit)
	d.registerInline("errorInfo", maskAny, d.cmdErrorInfo)
	d.registerInline("actionResult", maskAuthorized, d.cmdActionResult)
	d.registerInline("abort", maskAuthorized, d.cmdAbort)
}

// cmdStartTLS upgrades the plain connection. Only valid before any other
// traffic; a TLS listener port accepts TLS directly instead.
func (d *dispatcher) cmdStartTLS(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	cfg, err := d.srv.tlsConfig()
	if err != nil {
		return nil, err
	}
	// The terminal frame must go out on the plain transport; the upgrade
	// happens after.
	sess.sendFinal(cmd.ID, nil, nil)
	if err := sess.upgradeTLS(cfg); err != nil {
		sess.log.Warn("startTLS failed")
		sess.close()
	}
	// Already answered.
	return nil, errAlreadyAnswered
}

// errAlreadyAnswered tells execute that the handler wrote the terminal
// frame itself.
var errAlreadyAnswered = barerr.New(barerr.CodeNone, "")

// cmdVersion advertises the protocol version and server mode.
func (d *dispatcher) cmdVersion(_ *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	return protocol.Fields{}.
		Add("major", protocol.VersionMajor).
		Add("minor", protocol.VersionMinor).
		Add("mode", d.srv.Mode()), nil
}

// cmdAuthorize classifies the session as Client (password) or Master
// (encrypted UUID, slave mode only). A failure moves the session to Fail;
// the read loop disconnects it.
func (d *dispatcher) cmdAuthorize(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	encryptType := cmd.Args.StringDefault("encryptType", protocol.EncryptNone)
	opts := d.srv.Config.Get()

	if encrypted, ok := cmd.Args["encryptedPassword"]; ok {
		password, err := d.srv.sessionKey.Decrypt(encryptType, encrypted)
		if err == nil && authz.VerifyPassword(opts.PasswordHash, password) {
			sess.setAuthorized(authClient, "")
			d.srv.Authz.OnSuccess(sess.Name())
			sess.log.Info("client authorized")
			return nil, nil
		}
		return nil, d.authFailure(sess, barerr.CodeInvalidPassword, "invalid password")
	}

	if encrypted, ok := cmd.Args["encryptedUUID"]; ok {
		name, err := cmd.Args.String("name")
		if err != nil {
			return nil, err
		}
		if opts.Mode != config.ModeSlave {
			return nil, d.authFailure(sess, barerr.CodeNotASlave, "not a slave")
		}
		masterUUID, err := d.srv.sessionKey.Decrypt(encryptType, encrypted)
		if err != nil {
			return nil, d.authFailure(sess, barerr.CodeInvalidPassword, "undecryptable UUID")
		}
		hash := authz.HashUUID(opts.MachineID, masterUUID)

		// During pairing the offered identity is captured instead of checked.
		if d.srv.Pairing.Mode() != pairing.ModeNone {
			completed, err := d.srv.Pairing.Offer(name, hash)
			if err != nil {
				return nil, err
			}
			if completed {
				sess.setAuthorized(authMaster, name)
				d.srv.Authz.OnSuccess(sess.Name())
				sess.log.Info("master authorized (paired)", zap.String("master", name))
				return nil, nil
			}
			// Manual pairing holds the identity until masterPairingStop
			// accepts it; this attempt fails and the session is dropped.
			return nil, d.authFailure(sess, barerr.CodeNotPaired, "pairing pending confirmation")
		}

		if opts.Master.IsPaired() && authz.VerifyMasterHash(opts.Master.UUIDHash, hash) &&
			opts.Master.Name == name {
			sess.setAuthorized(authMaster, name)
			d.srv.Authz.OnSuccess(sess.Name())
			sess.log.Info("master authorized", zap.String("master", name))
			return nil, nil
		}
		return nil, d.authFailure(sess, barerr.CodeNotPaired, "not paired")
	}

	return nil, barerr.New(barerr.CodeExpectedParameter, "expected encryptedPassword or encryptedUUID")
}

// authFailure records the failed attempt and moves the session to Fail.
func (d *dispatcher) authFailure(sess *Session, code barerr.Code, msg string) error {
	sess.setAuthorized(authFail, "")
	d.srv.Authz.OnFailure(sess.Name())
	d.srv.Metrics.AuthFailuresTotal.Inc()
	return barerr.New(code, "%s", msg)
}

// cmdQuit requests server shutdown.
func (d *dispatcher) cmdQuit(sess *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	sess.log.Info("quit requested")
	if d.srv.RequestQuit != nil {
		d.srv.RequestQuit()
	}
	return nil, nil
}

// cmdErrorInfo maps a wire error code to its text.
func (d *dispatcher) cmdErrorInfo(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	code, err := cmd.Args.Int("error")
	if err != nil {
		return nil, err
	}
	return protocol.Fields{}.
		Add("errorCode", code).
		Add("errorText", errorText(barerr.Code(code))), nil
}

// cmdActionResult delivers a client's reply to a server-initiated prompt.
func (d *dispatcher) cmdActionResult(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int64("id")
	if err != nil {
		return nil, err
	}
	if !sess.deliverAction(uint64(id), cmd.Args) {
		return nil, barerr.New(barerr.CodeEntryNotFound, "no pending action %d", id)
	}
	return nil, nil
}

// cmdAbort interrupts one queued or executing command.
func (d *dispatcher) cmdAbort(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int64("commandId")
	if err != nil {
		return nil, err
	}
	sess.recordAbort(uint64(id))
	sess.interruptCommand(uint64(id))
	return nil, nil
}

// errorText renders a human reading of a wire code.
func errorText(code barerr.Code) string {
	switch code {
	case barerr.CodeNone:
		return "none"
	case barerr.CodeExpectedParameter:
		return "expected parameter"
	case barerr.CodeInvalidValue:
		return "invalid value"
	case barerr.CodeUnknownValue:
		return "unknown value"
	case barerr.CodeDeprecatedOrIgnoredValue:
		return "deprecated or ignored value"
	case barerr.CodeJobNotFound:
		return "job not found"
	case barerr.CodeJobAlreadyExists:
		return "job already exists"
	case barerr.CodeJobRunning:
		return "job is running"
	case barerr.CodeScheduleNotFound:
		return "schedule not found"
	case barerr.CodePersistenceIdNotFound:
		return "persistence id not found"
	case barerr.CodePatternIdNotFound:
		return "pattern id not found"
	case barerr.CodeMountIdNotFound:
		return "mount id not found"
	case barerr.CodeDeltaSourceIdNotFound:
		return "delta source id not found"
	case barerr.CodeMaintenanceIdNotFound:
		return "maintenance id not found"
	case barerr.CodeServerIdNotFound:
		return "server id not found"
	case barerr.CodeEntryNotFound:
		return "entry not found"
	case barerr.CodeDatabaseEntryNotFound:
		return "database entry not found"
	case barerr.CodeDatabaseIndexNotFound:
		return "no index database"
	case barerr.CodeDatabaseParseId:
		return "malformed id"
	case barerr.CodeDatabaseAuthorization:
		return "not authorized"
	case barerr.CodeInvalidPassword:
		return "invalid password"
	case barerr.CodeInvalidCryptPassword:
		return "invalid crypt password"
	case barerr.CodeInvalidFtpPassword:
		return "invalid FTP password"
	case barerr.CodeInvalidSshPassword:
		return "invalid SSH password"
	case barerr.CodeInvalidWebdavPassword:
		return "invalid WebDAV password"
	case barerr.CodeNoCryptPassword:
		return "no crypt password"
	case barerr.CodeParseDate:
		return "invalid date"
	case barerr.CodeParseTime:
		return "invalid time"
	case barerr.CodeParseWeekdays:
		return "invalid weekdays"
	case barerr.CodeParseSchedule:
		return "invalid schedule"
	case barerr.CodeParseMaintenance:
		return "invalid maintenance window"
	case barerr.CodeNoTlsCertificate:
		return "no TLS certificate"
	case barerr.CodeNoTlsKey:
		return "no TLS key"
	case barerr.CodeFunctionNotSupported:
		return "function not supported"
	case barerr.CodeNotPaired:
		return "not paired"
	case barerr.CodeNotASlave:
		return "not a slave"
	case barerr.CodeSlaveDisconnected:
		return "slave disconnected"
	case barerr.CodeConnectFail:
		return "connect failed"
	case barerr.CodeInterrupted:
		return "interrupted"
	case barerr.CodeAborted:
		return "aborted"
	case barerr.CodeInsufficientMemory:
		return "insufficient memory"
	default:
		return "failure"
	}
}
