package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Info is the identity tuple shared by all directories of a storage set.
type Info struct {
	// LayoutVersion identifies the on-disk format generation. It is
	// negative-valued; more negative is newer.
	LayoutVersion int32
	// NamespaceID is generated once at format time and identifies the
	// namespace to collaborators.
	NamespaceID int32
	// CTime changes only on upgrade.
	CTime int64
}

// DigestIntroductionVersion is the first layout version (inclusive, noting
// that layout versions grow more negative) whose VERSION file must carry an
// image digest.
const DigestIntroductionVersion = -26

// storageType is the fixed storageType property of namespace directories.
const storageType = "NAME_NODE"

// Version is the full content of a directory's VERSION file, together
// with the checkpoint time read from its sibling fstime file.
type Version struct {
	Info
	DistributedUpgradeState   bool
	DistributedUpgradeVersion int32
	// ImageDigest is the hex digest of the image this VERSION labels,
	// or empty for layouts predating digests.
	ImageDigest string
	// CheckpointTime is the fstime value, or zero if the fstime file is
	// absent.
	CheckpointTime int64
}

// LoadVersion parses a VERSION file at |path| and the fstime of |d|.
// It fails if a digest required by the layout version is absent, or if a
// digest is present but the layout predates their introduction.
func LoadVersion(d *Directory, path string) (Version, error) {
	var v Version

	var props, err = readProperties(path)
	if err != nil {
		return v, errors.Wrapf(err, "reading VERSION of %s", d.Root)
	}
	if v.LayoutVersion, err = propInt32(props, "layoutVersion"); err != nil {
		return v, errors.WithMessagef(err, "VERSION of %s", d.Root)
	} else if v.LayoutVersion >= 0 {
		return v, errors.Errorf("directory %s is not formatted", d.Root)
	}
	if v.NamespaceID, err = propInt32(props, "namespaceID"); err != nil {
		return v, errors.WithMessagef(err, "VERSION of %s", d.Root)
	}
	if v.CTime, err = propInt64(props, "cTime"); err != nil {
		return v, errors.WithMessagef(err, "VERSION of %s", d.Root)
	}
	if st := props["storageType"]; st != storageType {
		return v, errors.Errorf("VERSION of %s has storageType %q", d.Root, st)
	}

	if s, ok := props["distributedUpgradeState"]; ok {
		if v.DistributedUpgradeState, err = strconv.ParseBool(s); err != nil {
			return v, errors.Wrapf(err, "VERSION of %s: distributedUpgradeState", d.Root)
		}
	}
	if s, ok := props["distributedUpgradeVersion"]; ok {
		var uv int64
		if uv, err = strconv.ParseInt(s, 10, 32); err != nil {
			return v, errors.Wrapf(err, "VERSION of %s: distributedUpgradeVersion", d.Root)
		}
		v.DistributedUpgradeVersion = int32(uv)
	} else {
		v.DistributedUpgradeVersion = v.LayoutVersion
	}

	v.ImageDigest = props["imageMD5Digest"]
	if v.LayoutVersion <= DigestIntroductionVersion {
		if v.ImageDigest == "" {
			return v, errors.Errorf(
				"VERSION of %s does not have an image digest", d.Root)
		}
	} else if v.ImageDigest != "" {
		return v, errors.Errorf(
			"VERSION of %s has an image digest at layout version %d",
			d.Root, v.LayoutVersion)
	}

	if v.CheckpointTime, err = ReadCheckpointTime(d); err != nil {
		return v, err
	}
	return v, nil
}

// ReadCheckpointTime reads the big-endian fstime of |d|, or zero if the
// file is absent.
func ReadCheckpointTime(d *Directory) (int64, error) {
	var f, err = os.Open(d.TimeFile())
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, errors.Wrapf(err, "opening fstime of %s", d.Root)
	}
	defer f.Close()

	var t int64
	if err = binary.Read(f, binary.BigEndian, &t); err != nil {
		return 0, errors.Wrapf(err, "reading fstime of %s", d.Root)
	}
	return t, nil
}

// WriteCheckpointTime writes |t| as the big-endian fstime of |d|.
// Negative times are not written.
func WriteCheckpointTime(d *Directory, t int64) error {
	if t < 0 {
		return nil
	}
	var f, err = os.OpenFile(d.TimeFile(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening fstime of %s", d.Root)
	}
	if err = binary.Write(f, binary.BigEndian, t); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "writing fstime of %s", d.Root)
}

// WriteVersion writes the fstime and then the VERSION file of |d|.
// VERSION is written last: all other files of the update must already be
// durable when it lands.
func WriteVersion(d *Directory, v Version) error {
	if err := WriteCheckpointTime(d, v.CheckpointTime); err != nil {
		return err
	}

	var props = map[string]string{
		"layoutVersion": strconv.FormatInt(int64(v.LayoutVersion), 10),
		"namespaceID":   strconv.FormatInt(int64(v.NamespaceID), 10),
		"cTime":         strconv.FormatInt(v.CTime, 10),
		"storageType":   storageType,
	}
	if v.DistributedUpgradeState && v.DistributedUpgradeVersion != v.LayoutVersion {
		props["distributedUpgradeState"] = strconv.FormatBool(v.DistributedUpgradeState)
		props["distributedUpgradeVersion"] = strconv.FormatInt(int64(v.DistributedUpgradeVersion), 10)
	}
	if v.ImageDigest != "" {
		props["imageMD5Digest"] = v.ImageDigest
	}
	return errors.Wrapf(writeProperties(d.VersionFile(), props),
		"writing VERSION of %s", d.Root)
}

// readProperties parses a key=value properties file.
func readProperties(path string) (map[string]string, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var props = make(map[string]string)
	var scanner = bufio.NewScanner(f)
	for scanner.Scan() {
		var line = strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var eq = strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, fmt.Errorf("malformed property line %q", line)
		}
		props[strings.TrimSpace(line[:eq])] = strings.TrimSpace(line[eq+1:])
	}
	return props, scanner.Err()
}

// writeProperties writes a key=value properties file, fsyncing before close.
func writeProperties(path string, props map[string]string) error {
	var keys = make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err = fmt.Fprintf(f, "%s=%s\n", k, props[k]); err != nil {
			break
		}
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

func propInt32(props map[string]string, key string) (int32, error) {
	var s, ok = props[key]
	if !ok {
		return 0, errors.Errorf("missing property %q", key)
	}
	var v, err = strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing property %q", key)
	}
	return int32(v), nil
}

func propInt64(props map[string]string, key string) (int64, error) {
	var s, ok = props[key]
	if !ok {
		return 0, errors.Errorf("missing property %q", key)
	}
	var v, err = strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing property %q", key)
	}
	return v, nil
}
