package server

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/protocol"
	"github.com/barkeep-io/barkeep/internal/storage"
)

func (d *dispatcher) registerBulk() {
	d.register("entityMoveTo", maskAuthorized, d.cmdEntityMoveTo)
	d.register("storageTest", maskAuthorized, d.cmdStorageTest)
	d.register("storageDelete", maskAuthorized, d.cmdStorageDelete)
	d.register("restore", maskAuthorized, d.cmdRestore)
}

// cmdEntityMoveTo relocates every storage of an entity to a new URI.
func (d *dispatcher) cmdEntityMoveTo(_ *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	entityID, err := cmd.Args.UUID("entityId")
	if err != nil {
		return nil, err
	}
	moveTo, err := cmd.Args.String("moveTo")
	if err != nil {
		return nil, err
	}
	return nil, d.srv.Persist.MoveEntityTo(context.Background(), entityID, moveTo)
}

// selectedStorageIDs resolves the target storages of a bulk command: an
// explicit storageId argument, or the session's selected-storage list.
func (d *dispatcher) selectedStorageIDs(sess *Session, cmd *protocol.Command) ([]uuid.UUID, error) {
	if id := cmd.Args.UUIDDefault("storageId"); id != (uuid.UUID{}) {
		return []uuid.UUID{id}, nil
	}
	sess.mu.Lock()
	raw := append([]string(nil), sess.sel.selectedIndexIDs...)
	sess.mu.Unlock()
	if len(raw) == 0 {
		return nil, barerr.New(barerr.CodeExpectedParameter, "no storages selected")
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, barerr.New(barerr.CodeDatabaseParseId, "malformed id %q", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// cmdStorageTest verifies the selected archives are reachable on their
// back-ends, streaming one row per storage.
func (d *dispatcher) cmdStorageTest(sess *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	ids, err := d.selectedStorageIDs(sess, cmd)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()

	for _, id := range ids {
		if sess.isAborted(cmd.ID) {
			return nil, errAborted()
		}
		s, err := h.GetStorage(ctx, id)
		if err != nil {
			return nil, err
		}
		ok, message := d.testStorage(ctx, s.Name)
		sess.sendRow(cmd.ID, protocol.Fields{}.
			Add("storageId", s.ID.String()).
			Add("name", s.Name).
			Add("ok", boolWord(ok)).
			Add("message", message),
		)
	}
	return nil, nil
}

func (d *dispatcher) testStorage(ctx context.Context, name string) (bool, string) {
	spec, err := storage.Parse(name)
	if err != nil {
		return false, "unparsable storage name"
	}
	backend, err := d.srv.Registry.Open(ctx, spec.Directory(), storage.Credentials{})
	if err != nil {
		return false, err.Error()
	}
	defer backend.Close()
	ok, err := backend.Exists(ctx, spec.FileName())
	switch {
	case err != nil:
		return false, err.Error()
	case !ok:
		return false, "archive not found"
	default:
		return true, ""
	}
}

// cmdStorageDelete removes the selected archives from their back-ends and
// the index.
func (d *dispatcher) cmdStorageDelete(sess *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	ids, err := d.selectedStorageIDs(sess, cmd)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()

	for _, id := range ids {
		if sess.isAborted(cmd.ID) {
			return nil, errAborted()
		}
		s, err := h.GetStorage(ctx, id)
		if err != nil {
			return nil, err
		}
		if spec, perr := storage.Parse(s.Name); perr == nil {
			if backend, oerr := d.srv.Registry.Open(ctx, spec.Directory(), storage.Credentials{}); oerr == nil {
				backend.Delete(ctx, spec.FileName())
				backend.Close()
			}
		}
		if err := h.DeleteStorage(ctx, id); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// promptPassword sends a server-initiated prompt row and waits for the
// client's actionResult reply, then decrypts the password it carries with
// the session key.
func (d *dispatcher) promptPassword(sess *Session, id uint64, name string) (string, error) {
	ch := sess.waitAction(id)
	sess.sendRow(id, protocol.Fields{}.
		Add("action", "REQUEST_PASSWORD").
		Add("name", name),
	)
	select {
	case args := <-ch:
		encrypted, err := args.String("encryptedPassword")
		if err != nil {
			return "", barerr.New(barerr.CodeNoCryptPassword, "no decrypt password for %q", name)
		}
		password, derr := d.srv.sessionKey.Decrypt(
			args.StringDefault("encryptType", protocol.EncryptNone), encrypted)
		if derr != nil {
			return "", barerr.New(barerr.CodeInvalidCryptPassword, "undecryptable password")
		}
		return password, nil
	case <-time.After(time.Minute):
		return "", barerr.New(barerr.CodeNoCryptPassword, "no decrypt password for %q", name)
	}
}

// cmdRestore restores the selected archives or entries, streaming progress
// rows until done.
func (d *dispatcher) cmdRestore(sess *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	ctx := context.Background()

	kind := cmd.Args.StringDefault("type", "ARCHIVES")
	req := storage.RestoreRequest{
		DestinationDir:   cmd.Args.StringDefault("destination", ""),
		DirectoryContent: cmd.Args.Bool("directoryContent", false),
		Overwrite:        cmd.Args.Bool("overwrite", false),
	}

	switch kind {
	case "ARCHIVES":
		ids, err := d.selectedStorageIDs(sess, cmd)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			s, err := h.GetStorage(ctx, id)
			if err != nil {
				return nil, err
			}
			req.StorageNames = append(req.StorageNames, s.Name)
		}
	case "ENTRIES":
		sess.mu.Lock()
		entryIDs := append([]string(nil), sess.sel.selectedEntryIDs...)
		sess.mu.Unlock()
		if len(entryIDs) == 0 {
			return nil, barerr.New(barerr.CodeExpectedParameter, "no entries selected")
		}
		storageNames := make(map[string]bool)
		for _, idStr := range entryIDs {
			id, err := uuid.Parse(idStr)
			if err != nil {
				return nil, barerr.New(barerr.CodeDatabaseParseId, "malformed id %q", idStr)
			}
			e, err := h.GetEntry(ctx, id)
			if err != nil {
				return nil, err
			}
			req.IncludeList = append(req.IncludeList, e.Name)
			fragments, err := h.ListEntryFragments(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, f := range fragments {
				s, err := h.GetStorage(ctx, f.StorageID)
				if err != nil {
					continue
				}
				if !storageNames[s.Name] {
					storageNames[s.Name] = true
					req.StorageNames = append(req.StorageNames, s.Name)
				}
			}
		}
	default:
		return nil, barerr.New(barerr.CodeUnknownValue, "unknown restore type %q", kind)
	}

	if len(req.StorageNames) == 0 {
		return nil, barerr.New(barerr.CodeDatabaseEntryNotFound, "nothing to restore")
	}

	cb := storage.RestoreCallbacks{
		Progress: func(p storage.Progress) {
			sess.sendRow(cmd.ID, protocol.Fields{}.
				Add("state", "RUNNING").
				Add("doneCount", p.DoneCount).
				Add("doneSize", p.DoneSize).
				Add("totalEntryCount", p.TotalEntryCount).
				Add("totalEntrySize", p.TotalEntrySize).
				Add("entryName", p.EntryName),
			)
		},
		RestoreErrorHandler: func(re storage.RestoreError) bool {
			sess.sendRow(cmd.ID, protocol.Fields{}.
				Add("state", "ERROR").
				Add("entryName", re.EntryName).
				Add("message", re.Err.Error()),
			)
			// Continue with the remaining entries; the summary carries the
			// error count.
			return true
		},
		GetNamePassword: func(name string) (string, error) {
			sess.mu.Lock()
			candidates := append([]string(nil), sess.sel.decryptPasswords...)
			if sess.sel.cryptPassword != "" {
				candidates = append(candidates, sess.sel.cryptPassword)
			}
			sess.mu.Unlock()
			if pw := string(d.srv.Config.Get().CryptPassword); pw != "" {
				candidates = append(candidates, pw)
			}
			if len(candidates) > 0 {
				return candidates[0], nil
			}
			// No stored password: prompt the client and wait for the
			// matching actionResult.
			return d.promptPassword(sess, cmd.ID, name)
		},
		IsPauseRestore: d.srv.Pause.IsRestorePaused,
		IsAborted: func() bool {
			return sess.isAborted(cmd.ID) || sess.isClosed() || d.srv.Quit.IsSet()
		},
	}

	summary, err := d.srv.Archiver.Restore(ctx, req, cb)
	if err != nil {
		return nil, err
	}
	if sess.isAborted(cmd.ID) {
		return nil, errAborted()
	}
	return protocol.Fields{}.
		Add("totalEntryCount", summary.TotalEntryCount).
		Add("totalEntrySize", summary.TotalEntrySize).
		Add("errorEntryCount", summary.ErrorEntryCount), nil
}
