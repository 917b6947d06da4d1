package server

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/db"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/protocol"
)

func (d *dispatcher) registerIndex() {
	d.register("archiveList", maskAuthorized, d.cmdArchiveList)
	d.register("indexInfo", maskAuthorized, d.cmdIndexInfo)
	d.register("indexUUIDList", maskAuthorized, d.cmdIndexUUIDList)
	d.register("indexEntityList", maskAuthorized, d.cmdIndexEntityList)
	d.register("indexEntityAdd", maskAuthorized, d.cmdIndexEntityAdd)
	d.register("indexStorageList", maskAuthorized, d.cmdIndexStorageList)
	d.register("indexStorageAdd", maskAuthorized, d.cmdIndexStorageAdd)
	d.register("indexStorageListAdd", maskAuthorized, d.cmdIndexStorageListAdd)
	d.register("indexStorageListRemove", maskAuthorized, d.cmdIndexStorageListRemove)
	d.register("indexStorageListClear", maskAuthorized, d.cmdIndexStorageListClear)
	d.register("indexStorageListInfo", maskAuthorized, d.cmdIndexStorageListInfo)
	d.register("indexEntryList", maskAuthorized, d.cmdIndexEntryList)
	d.register("indexEntryListAdd", maskAuthorized, d.cmdIndexEntryListAdd)
	d.register("indexEntryListRemove", maskAuthorized, d.cmdIndexEntryListRemove)
	d.register("indexEntryListClear", maskAuthorized, d.cmdIndexEntryListClear)
	d.register("indexEntryListInfo", maskAuthorized, d.cmdIndexEntryListInfo)
	d.register("indexEntryFragmentList", maskAuthorized, d.cmdIndexEntryFragmentList)
	d.register("indexHistoryList", maskAuthorized, d.cmdIndexHistoryList)
	d.register("indexHistoryRemove", maskAuthorized, d.cmdIndexHistoryRemove)
	d.register("indexAssign", maskAuthorized, d.cmdIndexAssign)
	d.register("indexRefresh", maskAuthorized, d.cmdIndexRefresh)
	d.register("indexRemove", maskAuthorized, d.cmdIndexRemove)
}

// needHandle fails commands that require an index when none is open.
func needHandle(h *index.Handle) error {
	if h == nil {
		return barerr.New(barerr.CodeDatabaseIndexNotFound, "no index database configured")
	}
	return nil
}

// cmdArchiveList streams the entries of one storage archive from the
// index.
func (d *dispatcher) cmdArchiveList(sess *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	storageID, err := cmd.Args.UUID("storageId")
	if err != nil {
		return nil, err
	}
	ctx := context.Background()

	s, err := h.GetStorage(ctx, storageID)
	if err != nil {
		return nil, err
	}
	entries, _, err := h.ListEntries(ctx, index.EntryFilter{EntityID: s.EntityID})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if sess.isAborted(cmd.ID) {
			return nil, errAborted()
		}
		sess.sendRow(cmd.ID, protocol.Fields{}.
			Add("entryId", e.ID.String()).
			Add("entryType", strings.ToUpper(e.Type)).
			Add("name", e.Name).
			Add("size", e.Size).
			Add("dateTime", e.Mtime.Unix()),
		)
	}
	return nil, nil
}

// cmdIndexInfo reports aggregate index statistics.
func (d *dispatcher) cmdIndexInfo(_ *Session, h *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	ctx := context.Background()

	entities, err := h.ListEntities(ctx, uuid.UUID{})
	if err != nil {
		return nil, err
	}
	storages, err := h.ListStorages(ctx, index.StorageFilter{})
	if err != nil {
		return nil, err
	}

	var totalEntryCount, totalEntrySize int64
	for _, e := range entities {
		totalEntryCount += e.TotalEntryCount
		totalEntrySize += e.TotalEntrySize
	}
	var errorCount, updateRequestedCount int
	for _, s := range storages {
		switch s.State {
		case db.StorageStateError:
			errorCount++
		case db.StorageStateUpdateRequested:
			updateRequestedCount++
		}
	}

	return protocol.Fields{}.
		Add("totalEntityCount", len(entities)).
		Add("totalStorageCount", len(storages)).
		Add("totalEntryCount", totalEntryCount).
		Add("totalEntrySize", totalEntrySize).
		Add("errorStorageCount", errorCount).
		Add("updateRequestedStorageCount", updateRequestedCount), nil
}

// cmdIndexUUIDList streams the job uuids present in the index.
func (d *dispatcher) cmdIndexUUIDList(sess *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	rows, err := h.ListJobUUIDs(context.Background())
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		sess.sendRow(cmd.ID, protocol.Fields{}.
			Add("jobUUID", r.JobUUID.String()).
			Add("lastCreatedDateTime", r.LastCreatedAt.Unix()).
			Add("totalEntityCount", r.TotalEntityCount).
			Add("totalEntryCount", r.TotalEntryCount).
			Add("totalEntrySize", r.TotalEntrySize),
		)
	}
	return nil, nil
}

// cmdIndexEntityList streams the entities of a job (or all jobs).
func (d *dispatcher) cmdIndexEntityList(sess *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	entities, err := h.ListEntities(context.Background(), cmd.Args.UUIDDefault("jobUUID"))
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if sess.isAborted(cmd.ID) {
			return nil, errAborted()
		}
		sess.sendRow(cmd.ID, protocol.Fields{}.
			Add("entityId", e.ID.String()).
			Add("jobUUID", e.JobUUID.String()).
			Add("scheduleUUID", e.ScheduleUUID.String()).
			Add("archiveType", e.ArchiveType).
			Add("createdDateTime", e.CreatedAt.Unix()).
			Add("totalEntryCount", e.TotalEntryCount).
			Add("totalEntrySize", e.TotalEntrySize).
			Add("locked", boolWord(e.Locked())),
		)
	}
	return nil, nil
}

// cmdIndexEntityAdd creates an entity row manually.
func (d *dispatcher) cmdIndexEntityAdd(_ *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	jobUUID, err := cmd.Args.UUID("jobUUID")
	if err != nil {
		return nil, err
	}
	archiveType := cmd.Args.StringDefault("archiveType", "NORMAL")
	e, err := h.CreateEntity(context.Background(), jobUUID,
		cmd.Args.UUIDDefault("scheduleUUID"), strings.ToUpper(archiveType), d.srv.Clock.Now())
	if err != nil {
		return nil, err
	}
	return protocol.Fields{}.Add("entityId", e.ID.String()), nil
}

// cmdIndexStorageList streams storage rows with optional filters.
func (d *dispatcher) cmdIndexStorageList(sess *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	filter := index.StorageFilter{
		EntityID: cmd.Args.UUIDDefault("entityId"),
		JobUUID:  cmd.Args.UUIDDefault("jobUUID"),
	}
	if v, ok := cmd.Args["indexStateSet"]; ok && v != "*" {
		filter.State = strings.ToLower(v)
	}
	if v, ok := cmd.Args["pattern"]; ok {
		filter.Pattern = "%" + v + "%"
	}
	storages, err := h.ListStorages(context.Background(), filter)
	if err != nil {
		return nil, err
	}
	for _, s := range storages {
		if sess.isAborted(cmd.ID) {
			return nil, errAborted()
		}
		f := protocol.Fields{}.
			Add("storageId", s.ID.String()).
			Add("entityId", s.EntityID.String()).
			Add("name", s.Name).
			Add("size", s.Size).
			Add("createdDateTime", s.CreatedAt.Unix()).
			Add("indexState", strings.ToUpper(s.State)).
			Add("indexMode", strings.ToUpper(s.Mode)).
			Add("errorMessage", s.ErrorMessage).
			Add("totalEntryCount", s.TotalEntryCount).
			Add("totalEntrySize", s.TotalEntrySize)
		if s.LastChecked != nil {
			f = f.Add("lastCheckedDateTime", s.LastChecked.Unix())
		}
		sess.sendRow(cmd.ID, f)
	}
	return nil, nil
}

// cmdIndexStorageAdd enrolls a storage URI into the index for update.
func (d *dispatcher) cmdIndexStorageAdd(_ *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if existing, err := h.FindStorageByName(ctx, name); err != nil {
		return nil, err
	} else if existing != nil {
		return protocol.Fields{}.Add("storageId", existing.ID.String()), nil
	}
	s := &db.Storage{
		Name:  name,
		State: db.StorageStateUpdateRequested,
		Mode:  db.StorageModeManual,
	}
	if err := h.CreateStorage(ctx, s); err != nil {
		return nil, err
	}
	d.srv.UpdateTrigger()
	return protocol.Fields{}.Add("storageId", s.ID.String()), nil
}

// ---- session-scoped id selections -------------------------------------------

func parseIDList(args protocol.Args, key string) ([]string, error) {
	v, err := args.String(key)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := uuid.Parse(part); err != nil {
			return nil, barerr.New(barerr.CodeDatabaseParseId, "malformed id %q", part)
		}
		ids = append(ids, part)
	}
	return ids, nil
}

func (d *dispatcher) cmdIndexStorageListAdd(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	ids, err := parseIDList(cmd.Args, "storageIds")
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.sel.selectedIndexIDs = append(sess.sel.selectedIndexIDs, ids...)
	sess.mu.Unlock()
	return nil, nil
}

func (d *dispatcher) cmdIndexStorageListRemove(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	ids, err := parseIDList(cmd.Args, "storageIds")
	if err != nil {
		return nil, err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	sess.mu.Lock()
	kept := sess.sel.selectedIndexIDs[:0]
	for _, id := range sess.sel.selectedIndexIDs {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	sess.sel.selectedIndexIDs = kept
	sess.mu.Unlock()
	return nil, nil
}

func (d *dispatcher) cmdIndexStorageListClear(sess *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	sess.mu.Lock()
	sess.sel.selectedIndexIDs = nil
	sess.mu.Unlock()
	return nil, nil
}

// cmdIndexStorageListInfo reports aggregates over the selected storages.
func (d *dispatcher) cmdIndexStorageListInfo(sess *Session, h *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	sess.mu.Lock()
	ids := append([]string(nil), sess.sel.selectedIndexIDs...)
	sess.mu.Unlock()

	ctx := context.Background()
	var count int64
	var size int64
	for _, idStr := range ids {
		id, _ := uuid.Parse(idStr)
		s, err := h.GetStorage(ctx, id)
		if err != nil {
			continue
		}
		count++
		size += s.Size
	}
	return protocol.Fields{}.
		Add("storageCount", count).
		Add("totalSize", size), nil
}

// cmdIndexEntryList streams index entries with filters and pagination.
func (d *dispatcher) cmdIndexEntryList(sess *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	filter := index.EntryFilter{
		EntityID: cmd.Args.UUIDDefault("entityId"),
		JobUUID:  cmd.Args.UUIDDefault("jobUUID"),
		Limit:    cmd.Args.IntDefault("limit", 0),
		Offset:   cmd.Args.IntDefault("offset", 0),
	}
	if v, ok := cmd.Args["entryType"]; ok && v != "*" {
		filter.Type = strings.ToLower(v)
	}
	if v, ok := cmd.Args["pattern"]; ok {
		filter.Pattern = "%" + v + "%"
	}
	entries, total, err := h.ListEntries(context.Background(), filter)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if sess.isAborted(cmd.ID) {
			return nil, errAborted()
		}
		sess.sendRow(cmd.ID, protocol.Fields{}.
			Add("entryId", e.ID.String()).
			Add("entityId", e.EntityID.String()).
			Add("entryType", strings.ToUpper(e.Type)).
			Add("name", e.Name).
			Add("size", e.Size).
			Add("dateTime", e.Mtime.Unix()).
			Add("userId", e.UserID).
			Add("groupId", e.GroupID).
			Add("permission", e.Mode),
		)
	}
	return protocol.Fields{}.Add("totalCount", total), nil
}

func (d *dispatcher) cmdIndexEntryListAdd(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	ids, err := parseIDList(cmd.Args, "entryIds")
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.sel.selectedEntryIDs = append(sess.sel.selectedEntryIDs, ids...)
	sess.mu.Unlock()
	return nil, nil
}

func (d *dispatcher) cmdIndexEntryListRemove(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	ids, err := parseIDList(cmd.Args, "entryIds")
	if err != nil {
		return nil, err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	sess.mu.Lock()
	kept := sess.sel.selectedEntryIDs[:0]
	for _, id := range sess.sel.selectedEntryIDs {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	sess.sel.selectedEntryIDs = kept
	sess.mu.Unlock()
	return nil, nil
}

func (d *dispatcher) cmdIndexEntryListClear(sess *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	sess.mu.Lock()
	sess.sel.selectedEntryIDs = nil
	sess.mu.Unlock()
	return nil, nil
}

func (d *dispatcher) cmdIndexEntryListInfo(sess *Session, h *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	sess.mu.Lock()
	ids := append([]string(nil), sess.sel.selectedEntryIDs...)
	sess.mu.Unlock()

	ctx := context.Background()
	var count, size int64
	for _, idStr := range ids {
		id, _ := uuid.Parse(idStr)
		e, err := h.GetEntry(ctx, id)
		if err != nil {
			continue
		}
		count++
		size += e.Size
	}
	return protocol.Fields{}.
		Add("entryCount", count).
		Add("totalSize", size), nil
}

// cmdIndexEntryFragmentList streams the fragments of one entry.
func (d *dispatcher) cmdIndexEntryFragmentList(sess *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	entryID, err := cmd.Args.UUID("entryId")
	if err != nil {
		return nil, err
	}
	fragments, err := h.ListEntryFragments(context.Background(), entryID)
	if err != nil {
		return nil, err
	}
	for _, f := range fragments {
		sess.sendRow(cmd.ID, protocol.Fields{}.
			Add("fragmentId", f.ID.String()).
			Add("storageId", f.StorageID.String()).
			Add("offset", f.Offset).
			Add("size", f.Size),
		)
	}
	return nil, nil
}

// cmdIndexHistoryList streams job run history.
func (d *dispatcher) cmdIndexHistoryList(sess *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	rows, err := h.ListHistory(context.Background(),
		cmd.Args.UUIDDefault("jobUUID"), cmd.Args.IntDefault("limit", 0))
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		sess.sendRow(cmd.ID, protocol.Fields{}.
			Add("historyId", r.ID.String()).
			Add("jobUUID", r.JobUUID.String()).
			Add("scheduleUUID", r.ScheduleUUID.String()).
			Add("archiveType", r.ArchiveType).
			Add("kind", r.Kind).
			Add("createdDateTime", r.CreatedAt.Unix()).
			Add("errorCode", r.ErrorCode).
			Add("errorText", r.ErrorText).
			Add("duration", r.Duration).
			Add("totalEntryCount", r.TotalEntryCount).
			Add("totalEntrySize", r.TotalEntrySize).
			Add("skippedEntryCount", r.SkippedEntryCount).
			Add("errorEntryCount", r.ErrorEntryCount),
		)
	}
	return nil, nil
}

func (d *dispatcher) cmdIndexHistoryRemove(_ *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	id, err := cmd.Args.UUID("historyId")
	if err != nil {
		return nil, err
	}
	return nil, h.DeleteHistory(context.Background(), id)
}

// cmdIndexAssign moves entries between entities or re-homes an entity to
// another job.
func (d *dispatcher) cmdIndexAssign(_ *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	from, err := cmd.Args.UUID("entityId")
	if err != nil {
		return nil, err
	}
	return nil, h.AssignEntity(context.Background(), from,
		cmd.Args.UUIDDefault("toEntityId"), cmd.Args.UUIDDefault("toJobUUID"))
}

// cmdIndexRefresh requests a re-read of storages.
func (d *dispatcher) cmdIndexRefresh(_ *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	ctx := context.Background()

	if id := cmd.Args.UUIDDefault("storageId"); id != (uuid.UUID{}) {
		if err := h.SetStorageState(ctx, id, db.StorageStateUpdateRequested, "", d.srv.Clock.Now()); err != nil {
			return nil, err
		}
		d.srv.UpdateTrigger()
		return nil, nil
	}

	// No storage id: refresh everything in a refreshable state.
	storages, err := h.ListStorages(ctx, index.StorageFilter{})
	if err != nil {
		return nil, err
	}
	for _, s := range storages {
		if s.State == db.StorageStateOk || s.State == db.StorageStateError {
			if err := h.SetStorageState(ctx, s.ID, db.StorageStateUpdateRequested, "", d.srv.Clock.Now()); err != nil {
				return nil, err
			}
		}
	}
	d.srv.UpdateTrigger()
	return nil, nil
}

// cmdIndexRemove deletes index rows: one storage or one entity. A locked
// entity fails with DatabaseEntryNotFound.
func (d *dispatcher) cmdIndexRemove(_ *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if err := needHandle(h); err != nil {
		return nil, err
	}
	ctx := context.Background()

	if id := cmd.Args.UUIDDefault("storageId"); id != (uuid.UUID{}) {
		return nil, h.DeleteStorage(ctx, id)
	}
	if id := cmd.Args.UUIDDefault("entityId"); id != (uuid.UUID{}) {
		e, err := h.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Locked() {
			return nil, barerr.New(barerr.CodeDatabaseEntryNotFound, "entity %s is locked", id)
		}
		storages, err := h.ListStorages(ctx, index.StorageFilter{EntityID: id})
		if err != nil {
			return nil, err
		}
		for _, s := range storages {
			if err := h.DeleteStorage(ctx, s.ID); err != nil {
				return nil, err
			}
		}
		return nil, h.DeleteEntity(ctx, id)
	}
	return nil, barerr.New(barerr.CodeExpectedParameter, "expected storageId or entityId")
}
