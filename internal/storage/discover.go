package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"plotkeeper/internal/services"
)

const (
	defaultMountInfoPath = "/proc/self/mountinfo"
	defaultSysBlockPath  = "/sys/class/block"
)

// ErrNoDevices is returned when discovery finds nothing to arbitrate.
var ErrNoDevices = errors.New("no fixed storage devices found")

var pseudoFSTypes = map[string]struct{}{
	"autofs": {}, "binfmt_misc": {}, "bpf": {}, "cgroup": {}, "cgroup2": {},
	"configfs": {}, "debugfs": {}, "devpts": {}, "devtmpfs": {}, "efivarfs": {},
	"fusectl": {}, "hugetlbfs": {}, "iso9660": {}, "mqueue": {}, "nsfs": {},
	"overlay": {}, "proc": {}, "pstore": {}, "ramfs": {}, "rpc_pipefs": {},
	"securityfs": {}, "squashfs": {}, "sysfs": {}, "tmpfs": {}, "tracefs": {},
	"udf": {}, "nfs": {}, "nfs4": {}, "cifs": {}, "smb3": {}, "9p": {},
}

// DiscoverOptions controls device enumeration.
type DiscoverOptions struct {
	// Roots, when non-empty, replaces discovery with an explicit list.
	Roots          []string
	ExcludeFSTypes []string
	MountInfoPath  string
	SysBlockPath   string
}

// Mount is one parsed mount table entry.
type Mount struct {
	Point    string
	Source   string
	FSType   string
	ReadOnly bool
}

// Discover returns devices without capacity filled in. Callers refresh them
// through a Prober before use.
func Discover(opts DiscoverOptions) ([]Device, error) {
	mountInfo := opts.MountInfoPath
	if mountInfo == "" {
		mountInfo = defaultMountInfoPath
	}

	mounts, mountErr := readMountInfo(mountInfo)
	if len(opts.Roots) > 0 {
		return explicitDevices(opts.Roots, mounts)
	}
	if mountErr != nil {
		return nil, services.Wrap(services.ErrTransient, "storage", "discover", "read mount table", mountErr)
	}

	sysBlock := opts.SysBlockPath
	if sysBlock == "" {
		sysBlock = defaultSysBlockPath
	}
	excluded := make(map[string]struct{}, len(opts.ExcludeFSTypes))
	for _, t := range opts.ExcludeFSTypes {
		excluded[strings.ToLower(t)] = struct{}{}
	}

	seenSource := make(map[string]struct{})
	var devices []Device
	for _, m := range mounts {
		if !fixedCandidate(m, excluded) {
			continue
		}
		if isRemovable(sysBlock, m.Source) {
			continue
		}
		if _, dup := seenSource[m.Source]; dup {
			continue
		}
		seenSource[m.Source] = struct{}{}
		devices = append(devices, Device{Path: m.Point, Source: m.Source, FSType: m.FSType})
	}
	if len(devices) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "storage", "discover", "", ErrNoDevices)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	return devices, nil
}

func explicitDevices(roots []string, mounts []Mount) ([]Device, error) {
	devices := make([]Device, 0, len(roots))
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "storage", "discover", fmt.Sprintf("device root %s", root), err)
		}
		if !info.IsDir() {
			return nil, services.Wrap(services.ErrConfiguration, "storage", "discover", fmt.Sprintf("device root %s is not a directory", root), nil)
		}
		d := Device{Path: root}
		if m, ok := containingMount(mounts, root); ok {
			d.Source = m.Source
			d.FSType = m.FSType
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func fixedCandidate(m Mount, excluded map[string]struct{}) bool {
	if m.ReadOnly || !strings.HasPrefix(m.Source, "/dev/") {
		return false
	}
	fsType := strings.ToLower(m.FSType)
	if _, pseudo := pseudoFSTypes[fsType]; pseudo {
		return false
	}
	if strings.HasPrefix(fsType, "fuse.") {
		return false
	}
	if _, skip := excluded[fsType]; skip {
		return false
	}
	if m.Point == "/boot" || strings.HasPrefix(m.Point, "/boot/") || strings.HasPrefix(m.Point, "/snap/") {
		return false
	}
	return true
}

// isRemovable checks the sysfs removable flag for the block device or, for a
// partition, its parent disk.
func isRemovable(sysBlock, source string) bool {
	name := filepath.Base(source)
	dir := filepath.Join(sysBlock, name)
	if flag, err := os.ReadFile(filepath.Join(dir, "removable")); err == nil {
		return strings.TrimSpace(string(flag)) == "1"
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return false
	}
	flag, err := os.ReadFile(filepath.Join(filepath.Dir(resolved), "removable"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(flag)) == "1"
}

func containingMount(mounts []Mount, path string) (Mount, bool) {
	var best Mount
	found := false
	for _, m := range mounts {
		if path != m.Point && !strings.HasPrefix(path, strings.TrimSuffix(m.Point, "/")+"/") {
			continue
		}
		if !found || len(m.Point) > len(best.Point) {
			best = m
			found = true
		}
	}
	return best, found
}

func readMountInfo(path string) ([]Mount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMountInfo(f)
}

// ParseMountInfo parses the /proc/<pid>/mountinfo format:
//
//	36 35 98:0 /mnt1 /mnt/parent rw,noatime master:1 - ext3 /dev/root rw,errors=continue
func ParseMountInfo(r io.Reader) ([]Mount, error) {
	var mounts []Mount
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		sep := -1
		for i, f := range fields {
			if f == "-" {
				sep = i
				break
			}
		}
		if sep < 6 || len(fields) < sep+3 {
			continue
		}
		m := Mount{
			Point:  unescapeMount(fields[4]),
			FSType: fields[sep+1],
			Source: unescapeMount(fields[sep+2]),
		}
		for _, opt := range strings.Split(fields[5], ",") {
			if opt == "ro" {
				m.ReadOnly = true
			}
		}
		mounts = append(mounts, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan mountinfo: %w", err)
	}
	return mounts, nil
}

// unescapeMount decodes the octal escapes (\040 for space) the kernel uses.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
