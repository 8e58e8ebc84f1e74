package checkpoint

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
	"go.tessera.dev/core/codecs"
	"go.tessera.dev/core/namenode/namespace"
)

// imageWriteOptions parameterize one image serialization.
type imageWriteOptions struct {
	layoutVersion int32
	namespaceID   int32
	// txID is written into the header for layouts which store it.
	txID int64
	// codec compresses the image body; nil writes it raw.
	codec codecs.Codec
	// ctx supplies cancellation and progress accounting.
	ctx *SaveContext
}

// writeImage streams |ns| into |w| in the image wire format of the
// declared layout version, returning the hex digest of the bytes written.
// Cancellation is observed at directory boundaries; the resulting error
// is distinguishable from I/O failure.
func writeImage(w io.Writer, ns *namespace.Namespace, o imageWriteOptions) (string, error) {
	var v = o.layoutVersion
	if err := validateWritable(ns, v); err != nil {
		return "", err
	}
	var dw = newDigestWriter(w)
	var numFiles = ns.NumNodes()

	// Header, always uncompressed.
	if err := writeInt32(dw, v); err != nil {
		return "", err
	} else if err = writeInt32(dw, o.namespaceID); err != nil {
		return "", err
	}
	var err error
	if v <= int64FilesVersion {
		err = writeInt64(dw, numFiles)
	} else {
		err = writeInt32(dw, int32(numFiles))
	}
	if err != nil {
		return "", err
	}
	if v <= genStampHeaderVersion {
		if err = writeInt64(dw, ns.GenerationStamp); err != nil {
			return "", err
		}
	}
	if v <= storedTxIDsVersion {
		if err = writeInt64(dw, o.txID); err != nil {
			return "", err
		}
	}
	if v <= compressionVersion {
		if err = writeBool(dw, o.codec != nil); err != nil {
			return "", err
		}
		if o.codec != nil {
			if err = writeString(dw, o.codec.Name()); err != nil {
				return "", err
			}
		}
	}

	// Body, through the compressor when one is configured.
	var compressor codecs.Compressor
	var sink io.Writer = dw
	if o.codec != nil {
		if compressor, err = o.codec.NewWriter(dw); err != nil {
			return "", err
		}
		sink = compressor
	}
	var body = bufio.NewWriterSize(sink, 32*1024)

	var iw = &imageWriter{w: body, v: v, ctx: o.ctx}
	if err = iw.writeBody(ns); err == nil && v <= underConstructionVersion {
		err = iw.writeFilesUnderConstruction(ns)
	}
	if err != nil {
		return "", err
	}

	if err = body.Flush(); err != nil {
		return "", err
	}
	if compressor != nil {
		if err = compressor.Close(); err != nil {
			return "", err
		}
	}

	imageBytesSavedTotal.Add(float64(dw.n))
	inodesSavedTotal.Add(float64(numFiles))
	return dw.Digest(), nil
}

// imageWriter walks a namespace tree, emitting its body records.
type imageWriter struct {
	w   *bufio.Writer
	v   int32
	ctx *SaveContext

	lastLogged int
}

func (iw *imageWriter) writeBody(ns *namespace.Namespace) error {
	if iw.v <= localNameVersion {
		// Local-name form: root payload first, then a preorder walk which
		// emits each non-empty directory with its children.
		if err := writeBytes(iw.w, nil); err != nil {
			return err
		} else if err = iw.writeInodePayload(ns.Root); err != nil {
			return err
		}
		iw.progress(1)
		return iw.writeLocalNameTree(nil, ns.Root)
	}

	// Full-path form: every node is emitted with its absolute path, the
	// root (as the empty path) first, parents always before children.
	if err := writeBytes(iw.w, nil); err != nil {
		return err
	} else if err = iw.writeInodePayload(ns.Root); err != nil {
		return err
	}
	iw.progress(1)
	return iw.writeFullPathTree(nil, ns.Root)
}

// writeLocalNameTree emits the children of |dir| (whose absolute path is
// |prefix|; empty for the root) and recurses into child directories.
func (iw *imageWriter) writeLocalNameTree(prefix []byte, dir *namespace.Node) error {
	if err := iw.ctx.CheckCancelled(); err != nil {
		return err
	}
	if len(dir.Children) == 0 {
		return nil
	}

	// The root's parent-name record is the bare separator.
	var parent = prefix
	if len(parent) == 0 {
		parent = []byte{namespace.Separator}
	}
	if err := writeBytes(iw.w, parent); err != nil {
		return err
	}
	// Child counts are 32-bit: directories may have more than 2^15 entries.
	if err := writeInt32(iw.w, int32(len(dir.Children))); err != nil {
		return err
	}
	for _, child := range dir.Children {
		if err := writeBytes(iw.w, child.Name); err != nil {
			return err
		} else if err = iw.writeInodePayload(child); err != nil {
			return err
		}
		iw.progress(1)
	}
	for _, child := range dir.Children {
		if !child.IsDirectory() {
			continue
		}
		if err := iw.ctx.CheckCancelled(); err != nil {
			return err
		}
		var path = childPath(prefix, child.Name)
		if err := iw.writeLocalNameTree(path, child); err != nil {
			return err
		}
	}
	return nil
}

// writeFullPathTree emits each child of |dir| with its absolute path,
// then recurses into child directories.
func (iw *imageWriter) writeFullPathTree(prefix []byte, dir *namespace.Node) error {
	if err := iw.ctx.CheckCancelled(); err != nil {
		return err
	}
	for _, child := range dir.Children {
		var path = childPath(prefix, child.Name)
		if err := writeBytes(iw.w, path); err != nil {
			return err
		} else if err = iw.writeInodePayload(child); err != nil {
			return err
		}
		iw.progress(1)
	}
	for _, child := range dir.Children {
		if !child.IsDirectory() {
			continue
		}
		if err := iw.writeFullPathTree(childPath(prefix, child.Name), child); err != nil {
			return err
		}
	}
	return nil
}

// writeInodePayload emits the version-dependent attributes of |n|,
// exclusive of its name or path.
func (iw *imageWriter) writeInodePayload(n *namespace.Node) error {
	var v = iw.v

	var replication = n.Replication
	if n.IsDirectory() {
		replication = 0
	}
	if err := writeInt16(iw.w, replication); err != nil {
		return err
	} else if err = writeInt64(iw.w, n.Mtime); err != nil {
		return err
	}
	if v <= atimeVersion {
		var atime = n.Atime
		if n.IsDirectory() {
			atime = 0
		}
		if err := writeInt64(iw.w, atime); err != nil {
			return err
		}
	}
	if v <= blockSizeVersion {
		var blockSize = n.PreferredBlockSize
		if n.IsDirectory() {
			blockSize = 0
		}
		if err := writeInt64(iw.w, blockSize); err != nil {
			return err
		}
	}

	if n.IsDirectory() {
		// Directories carry a block count of -1, or zero in layouts which
		// predate negative counts.
		var marker = int32(-1)
		if v > negativeBlockCountVersion {
			marker = 0
		}
		if err := writeInt32(iw.w, marker); err != nil {
			return err
		}
		if v <= int64FilesVersion {
			if err := writeInt64(iw.w, n.NsQuota); err != nil {
				return err
			}
		}
		if v <= dsQuotaVersion {
			if err := writeInt64(iw.w, n.DsQuota); err != nil {
				return err
			}
		}
	} else {
		if err := writeInt32(iw.w, int32(len(n.Blocks))); err != nil {
			return err
		}
		for _, b := range n.Blocks {
			if err := iw.writeBlock(b); err != nil {
				return err
			}
		}
	}

	if v <= permissionVersion {
		return writePermission(iw.w, n.Permission)
	}
	return nil
}

func (iw *imageWriter) writeBlock(b namespace.Block) error {
	if err := writeInt64(iw.w, b.ID); err != nil {
		return err
	} else if err = writeInt64(iw.w, b.NumBytes); err != nil {
		return err
	}
	if iw.v <= blockGenStampVersion {
		return writeInt64(iw.w, b.GenerationStamp)
	}
	return nil
}

func (iw *imageWriter) writeFilesUnderConstruction(ns *namespace.Namespace) error {
	if err := iw.ctx.CheckCancelled(); err != nil {
		return err
	}
	if err := writeInt32(iw.w, int32(len(ns.Construction))); err != nil {
		return err
	}
	for _, f := range ns.Construction {
		if err := writeString(iw.w, f.Path); err != nil {
			return err
		} else if err = writeInt16(iw.w, f.Replication); err != nil {
			return err
		} else if err = writeInt64(iw.w, f.Mtime); err != nil {
			return err
		} else if err = writeInt64(iw.w, f.PreferredBlockSize); err != nil {
			return err
		} else if err = writeInt32(iw.w, int32(len(f.Blocks))); err != nil {
			return err
		}
		for _, b := range f.Blocks {
			// Construction records always carry full block records.
			if err := writeInt64(iw.w, b.ID); err != nil {
				return err
			} else if err = writeInt64(iw.w, b.NumBytes); err != nil {
				return err
			} else if err = writeInt64(iw.w, b.GenerationStamp); err != nil {
				return err
			}
		}
		if err := writePermission(iw.w, f.Permission); err != nil {
			return err
		} else if err = writeString(iw.w, f.ClientName); err != nil {
			return err
		} else if err = writeString(iw.w, f.ClientMachine); err != nil {
			return err
		}
		// Block locations are never persisted.
		if err := writeInt32(iw.w, 0); err != nil {
			return err
		}
	}
	return nil
}

func (iw *imageWriter) progress(n int64) {
	iw.lastLogged = logProgress("saved", iw.ctx.AddProgress(n), iw.lastLogged)
}

func writePermission(w io.Writer, p namespace.PermissionStatus) error {
	if err := writeString(w, p.User); err != nil {
		return err
	} else if err = writeString(w, p.Group); err != nil {
		return err
	}
	return writeInt16(w, int16(p.Mode))
}

// childPath joins |prefix| (the parent's absolute path; empty for root)
// with a child's local |name|.
func childPath(prefix, name []byte) []byte {
	var path = make([]byte, 0, len(prefix)+1+len(name))
	path = append(path, prefix...)
	path = append(path, namespace.Separator)
	return append(path, name...)
}

// validateWritable rejects namespaces which the declared layout version
// cannot faithfully represent.
func validateWritable(ns *namespace.Namespace, v int32) error {
	if v > negativeBlockCountVersion {
		var check func(n *namespace.Node) error
		check = func(n *namespace.Node) error {
			if !n.IsDirectory() && len(n.Blocks) == 0 {
				return errors.Errorf(
					"layout version %d cannot represent a zero-block file", v)
			}
			for _, c := range n.Children {
				if err := check(c); err != nil {
					return err
				}
			}
			return nil
		}
		return check(ns.Root)
	}
	return nil
}
