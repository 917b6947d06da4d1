package server

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/protocol"
)

// noBackupMarker is the per-directory opt-out file checked by
// fileAttributeGet/Set/Clear with attribute NOBACKUP.
const noBackupMarker = ".nobackup"

// directoryInfoBudget bounds one directoryInfo traversal; partial results
// are returned with timedOut=yes and refined on the next call.
const directoryInfoBudget = 2 * time.Second

func (d *dispatcher) registerFilesystem() {
	d.register("deviceList", maskAuthorized, d.cmdDeviceList)
	d.register("rootList", maskAuthorized, d.cmdRootList)
	d.register("fileInfo", maskAuthorized, d.cmdFileInfo)
	d.register("fileList", maskAuthorized, d.cmdFileList)
	d.register("fileAttributeGet", maskAuthorized, d.cmdFileAttributeGet)
	d.register("fileAttributeSet", maskAuthorized, d.cmdFileAttributeSet)
	d.register("fileAttributeClear", maskAuthorized, d.cmdFileAttributeClear)
	d.register("fileMkdir", maskAuthorized, d.cmdFileMkdir)
	d.register("fileDelete", maskAuthorized, d.cmdFileDelete)
	d.register("directoryInfo", maskAuthorized, d.cmdDirectoryInfo)
}

// cmdDeviceList streams the block devices / partitions of this host.
func (d *dispatcher) cmdDeviceList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return nil, barerr.New(barerr.CodeFunctionNotSupported, "device list unavailable: %v", err)
	}
	for _, p := range partitions {
		var total uint64
		if usage, err := disk.Usage(p.Mountpoint); err == nil {
			total = usage.Total
		}
		sess.sendRow(cmd.ID, protocol.Fields{}.
			Add("name", p.Device).
			Add("mountPoint", p.Mountpoint).
			Add("fileSystem", p.Fstype).
			Add("size", total),
		)
	}
	return nil, nil
}

// cmdRootList streams the file-system roots.
func (d *dispatcher) cmdRootList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	if runtime.GOOS == "windows" {
		for c := 'A'; c <= 'Z'; c++ {
			root := string(c) + `:\`
			if _, err := os.Stat(root); err == nil {
				sess.sendRow(cmd.ID, protocol.Fields{}.Add("name", root))
			}
		}
		return nil, nil
	}
	sess.sendRow(cmd.ID, protocol.Fields{}.Add("name", "/"))
	return nil, nil
}

func fileTypeOf(info os.FileInfo) string {
	mode := info.Mode()
	switch {
	case mode.IsDir():
		return "DIRECTORY"
	case mode&os.ModeSymlink != 0:
		return "LINK"
	case mode&os.ModeDevice != 0, mode&os.ModeNamedPipe != 0, mode&os.ModeSocket != 0:
		return "SPECIAL"
	default:
		return "FILE"
	}
}

// cmdFileInfo reports one file-system entry.
func (d *dispatcher) cmdFileInfo(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	info, serr := os.Lstat(name)
	if serr != nil {
		return nil, barerr.New(barerr.CodeEntryNotFound, "%q not found", name)
	}
	return protocol.Fields{}.
		Add("fileType", fileTypeOf(info)).
		Add("name", name).
		Add("size", info.Size()).
		Add("dateTime", info.ModTime().Unix()).
		Add("noBackup", boolWord(hasNoBackupMarker(name, info))), nil
}

// cmdFileList streams a directory listing.
func (d *dispatcher) cmdFileList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	dir, err := cmd.Args.String("directory")
	if err != nil {
		return nil, err
	}
	entries, rerr := os.ReadDir(dir)
	if rerr != nil {
		return nil, barerr.New(barerr.CodeEntryNotFound, "cannot read %q: %v", dir, rerr)
	}
	for _, de := range entries {
		if sess.isAborted(cmd.ID) {
			return nil, errAborted()
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		full := filepath.Join(dir, de.Name())
		sess.sendRow(cmd.ID, protocol.Fields{}.
			Add("fileType", fileTypeOf(info)).
			Add("name", full).
			Add("size", info.Size()).
			Add("dateTime", info.ModTime().Unix()).
			Add("noBackup", boolWord(hasNoBackupMarker(full, info))).
			Add("noDump", boolWord(false)),
		)
	}
	return nil, nil
}

// hasNoBackupMarker reports whether a directory carries the .nobackup file.
func hasNoBackupMarker(name string, info os.FileInfo) bool {
	if !info.IsDir() {
		return false
	}
	_, err := os.Stat(filepath.Join(name, noBackupMarker))
	return err == nil
}

// cmdFileAttributeGet reports the NOBACKUP attribute of a directory.
func (d *dispatcher) cmdFileAttributeGet(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	attr, err := cmd.Args.String("attribute")
	if err != nil {
		return nil, err
	}
	switch attr {
	case "NOBACKUP":
		info, serr := os.Stat(name)
		if serr != nil {
			return nil, barerr.New(barerr.CodeEntryNotFound, "%q not found", name)
		}
		return protocol.Fields{}.Add("value", boolWord(hasNoBackupMarker(name, info))), nil
	case "NODUMP":
		// The no-dump flag needs OS-specific ioctls; not supported here.
		return nil, barerr.New(barerr.CodeFunctionNotSupported, "attribute %q not supported", attr)
	default:
		return nil, barerr.New(barerr.CodeUnknownValue, "unknown attribute %q", attr)
	}
}

// cmdFileAttributeSet drops a .nobackup marker into a directory.
func (d *dispatcher) cmdFileAttributeSet(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	attr, err := cmd.Args.String("attribute")
	if err != nil {
		return nil, err
	}
	if attr != "NOBACKUP" {
		return nil, barerr.New(barerr.CodeFunctionNotSupported, "attribute %q not supported", attr)
	}
	f, cerr := os.Create(filepath.Join(name, noBackupMarker))
	if cerr != nil {
		return nil, barerr.New(barerr.CodeEntryNotFound, "cannot mark %q: %v", name, cerr)
	}
	f.Close()
	return nil, nil
}

// cmdFileAttributeClear removes the .nobackup marker.
func (d *dispatcher) cmdFileAttributeClear(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	attr, err := cmd.Args.String("attribute")
	if err != nil {
		return nil, err
	}
	if attr != "NOBACKUP" {
		return nil, barerr.New(barerr.CodeFunctionNotSupported, "attribute %q not supported", attr)
	}
	if rerr := os.Remove(filepath.Join(name, noBackupMarker)); rerr != nil && !os.IsNotExist(rerr) {
		return nil, barerr.New(barerr.CodeEntryNotFound, "cannot clear %q: %v", name, rerr)
	}
	return nil, nil
}

// cmdFileMkdir creates a directory.
func (d *dispatcher) cmdFileMkdir(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	if merr := os.MkdirAll(name, 0750); merr != nil {
		return nil, barerr.New(barerr.CodeInvalidValue, "cannot create %q: %v", name, merr)
	}
	return nil, nil
}

// cmdFileDelete removes a file or empty directory.
func (d *dispatcher) cmdFileDelete(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	if rerr := os.Remove(name); rerr != nil {
		return nil, barerr.New(barerr.CodeEntryNotFound, "cannot delete %q: %v", name, rerr)
	}
	return nil, nil
}

// cmdDirectoryInfo computes the file count and total size under a
// directory with a time budget, caching partial results per session.
func (d *dispatcher) cmdDirectoryInfo(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	cached, ok := sess.sel.directoryInfo[name]
	sess.mu.Unlock()
	if ok && !cached.timedOut {
		return protocol.Fields{}.
			Add("count", cached.fileCount).
			Add("size", cached.totalSize).
			Add("timedOut", boolWord(false)), nil
	}

	deadline := time.Now().Add(directoryInfoBudget)
	var count, size int64
	timedOut := false

	filepath.WalkDir(name, func(_ string, de os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if time.Now().After(deadline) || sess.isAborted(cmd.ID) {
			timedOut = true
			return filepath.SkipAll
		}
		if de.Type().IsRegular() {
			if info, err := de.Info(); err == nil {
				count++
				size += info.Size()
			}
		}
		return nil
	})

	sess.mu.Lock()
	sess.sel.directoryInfo[name] = directoryInfo{fileCount: count, totalSize: size, timedOut: timedOut}
	sess.mu.Unlock()

	return protocol.Fields{}.
		Add("count", count).
		Add("size", size).
		Add("timedOut", boolWord(timedOut)), nil
}
