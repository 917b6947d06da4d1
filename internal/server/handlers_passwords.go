package server

import (
	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/protocol"
)

func (d *dispatcher) registerPasswords() {
	d.register("decryptPasswordAdd", maskAuthorized, d.cmdDecryptPasswordAdd)
	d.register("ftpPassword", maskAuthorized, d.cmdFtpPassword)
	d.register("sshPassword", maskAuthorized, d.cmdSshPassword)
	d.register("webdavPassword", maskAuthorized, d.cmdWebdavPassword)
	d.register("cryptPassword", maskAuthorized, d.cmdCryptPassword)
	d.register("passwordsClear", maskAuthorized, d.cmdPasswordsClear)

	d.registerRemote("volumeLoad", maskAuthorized, d.cmdVolumeLoad)
	d.registerRemote("volumeUnload", maskAuthorized, d.cmdVolumeUnload)
}

// decryptArg decodes an encrypted password argument against the session
// key.
func (d *dispatcher) decryptArg(cmd *protocol.Command) (string, error) {
	encryptType := cmd.Args.StringDefault("encryptType", protocol.EncryptNone)
	encrypted, err := cmd.Args.String("encryptedPassword")
	if err != nil {
		return "", err
	}
	password, derr := d.srv.sessionKey.Decrypt(encryptType, encrypted)
	if derr != nil {
		return "", barerr.New(barerr.CodeInvalidPassword, "undecryptable password")
	}
	return password, nil
}

// cmdDecryptPasswordAdd appends a candidate archive decrypt password to
// the session's list. Restore passes the first entry of the list to the
// archiver; later entries are not tried, and storage commands do not read
// the list.
func (d *dispatcher) cmdDecryptPasswordAdd(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	password, err := d.decryptArg(cmd)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.sel.decryptPasswords = append(sess.sel.decryptPasswords, password)
	sess.mu.Unlock()
	return nil, nil
}

func (d *dispatcher) cmdFtpPassword(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	password, err := d.decryptArg(cmd)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.sel.ftpPassword = password
	sess.mu.Unlock()
	return nil, nil
}

func (d *dispatcher) cmdSshPassword(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	password, err := d.decryptArg(cmd)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.sel.sshPassword = password
	sess.mu.Unlock()
	return nil, nil
}

func (d *dispatcher) cmdWebdavPassword(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	password, err := d.decryptArg(cmd)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.sel.webdavPassword = password
	sess.mu.Unlock()
	return nil, nil
}

func (d *dispatcher) cmdCryptPassword(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	password, err := d.decryptArg(cmd)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.sel.cryptPassword = password
	sess.mu.Unlock()
	return nil, nil
}

// cmdPasswordsClear wipes all session-scoped passwords.
func (d *dispatcher) cmdPasswordsClear(sess *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	sess.mu.Lock()
	sess.sel.decryptPasswords = nil
	sess.sel.ftpPassword = ""
	sess.sel.sshPassword = ""
	sess.sel.webdavPassword = ""
	sess.sel.cryptPassword = ""
	sess.mu.Unlock()
	return nil, nil
}

// cmdVolumeLoad answers a pending volume request with the loaded volume
// number.
func (d *dispatcher) cmdVolumeLoad(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	n, err := cmd.Args.Int("volumeNumber")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		j.Running.VolumeNumber = n
		d.srv.List.NotifyModified()
		return nil
	})
}

// cmdVolumeUnload asks the runner to eject the current volume.
func (d *dispatcher) cmdVolumeUnload(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		j.Running.VolumeUnload = true
		d.srv.List.NotifyModified()
		return nil
	})
}
