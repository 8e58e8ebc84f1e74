package checkpoint

import (
	"bufio"
	"bytes"
	"io"

	"go.tessera.dev/core/codecs"
	"go.tessera.dev/core/namenode/namespace"
)

// LoadResult reports the header fields and digest of a loaded image.
type LoadResult struct {
	LayoutVersion   int32
	NamespaceID     int32
	NumFiles        int64
	GenerationStamp int64
	// TxID is the image transaction id, or -1 for layouts predating it.
	TxID       int64
	Compressed bool
	CodecName  string
	// Digest is the hex digest of the file exactly as read.
	Digest string
}

// readImage decodes an image from |r| into |ns|, which must be freshly
// initialized. |src| identifies the source file in errors. |adjust|, if
// non-nil, clamps replication factors as they are read. Malformed
// lengths, unknown codecs, truncation, and trailing bytes all surface as
// a CorruptionError naming |src|.
func readImage(src string, r io.Reader, ns *namespace.Namespace, adjust func(int16) int16) (LoadResult, error) {
	var res LoadResult
	if adjust == nil {
		adjust = func(r int16) int16 { return r }
	}
	var dr = newDigestReader(r)

	// Header, always uncompressed.
	var err error
	if res.LayoutVersion, err = readInt32(dr); err != nil {
		return res, &CorruptionError{File: src, Err: err}
	}
	var v = res.LayoutVersion
	if v >= 0 || v > oldestSupportedVersion {
		return res, corruptf(src, "unsupported layout version %d", v)
	} else if v < CurrentLayoutVersion {
		return res, corruptf(src, "layout version %d is newer than %d", v, CurrentLayoutVersion)
	}
	if res.NamespaceID, err = readInt32(dr); err != nil {
		return res, &CorruptionError{File: src, Err: err}
	}
	if v <= int64FilesVersion {
		res.NumFiles, err = readInt64(dr)
	} else {
		var n int32
		n, err = readInt32(dr)
		res.NumFiles = int64(n)
	}
	if err != nil {
		return res, &CorruptionError{File: src, Err: err}
	} else if res.NumFiles <= 0 {
		return res, corruptf(src, "image declares %d files", res.NumFiles)
	}
	if v <= genStampHeaderVersion {
		if res.GenerationStamp, err = readInt64(dr); err != nil {
			return res, &CorruptionError{File: src, Err: err}
		}
	}
	res.TxID = -1
	if v <= storedTxIDsVersion {
		if res.TxID, err = readInt64(dr); err != nil {
			return res, &CorruptionError{File: src, Err: err}
		}
	}

	var body *bufio.Reader
	var decompressor codecs.Decompressor
	if v <= compressionVersion {
		if res.Compressed, err = readBool(dr); err != nil {
			return res, &CorruptionError{File: src, Err: err}
		}
	}
	if res.Compressed {
		if res.CodecName, err = readString(dr); err != nil {
			return res, &CorruptionError{File: src, Err: err}
		}
		var codec codecs.Codec
		if codec, err = codecs.Lookup(res.CodecName); err != nil {
			return res, &CorruptionError{File: src, Err: err}
		}
		if decompressor, err = codec.NewReader(dr); err != nil {
			return res, &CorruptionError{File: src, Err: err}
		}
		body = bufio.NewReaderSize(decompressor, 32*1024)
	} else {
		body = bufio.NewReaderSize(dr, 32*1024)
	}

	var ir = &imageReader{
		src:    src,
		r:      body,
		v:      v,
		ns:     ns,
		adjust: adjust,
		total:  res.NumFiles,
	}
	ns.GenerationStamp = res.GenerationStamp

	if v <= localNameVersion {
		err = ir.readLocalNameBody()
	} else {
		err = ir.readFullPathBody()
	}
	if err == nil && v <= underConstructionVersion {
		err = ir.readFilesUnderConstruction()
	}
	if err != nil {
		return res, err
	}

	// The payload must end exactly at EOF; trailing bytes are corruption.
	if _, err = body.ReadByte(); err != io.EOF {
		return res, corruptf(src, "trailing bytes after image payload")
	}
	if decompressor != nil {
		if err = decompressor.Close(); err != nil {
			return res, &CorruptionError{File: src, Err: err}
		}
		var one [1]byte
		if _, err = dr.Read(one[:]); err != io.EOF {
			return res, corruptf(src, "trailing bytes after compressed payload")
		}
	}

	imageBytesLoadedTotal.Add(float64(dr.n))
	inodesLoadedTotal.Add(float64(res.NumFiles))
	res.Digest = dr.Digest()
	return res, nil
}

// imageReader decodes the body records of one image.
type imageReader struct {
	src    string
	r      *bufio.Reader
	v      int32
	ns     *namespace.Namespace
	adjust func(int16) int16
	total  int64

	loaded     int64
	lastLogged int
}

// readLocalNameBody decodes the local-name (preorder) body form.
func (ir *imageReader) readLocalNameBody() error {
	// The first record must be the root, signalled by a zero-length name.
	// Its attributes apply to the existing root.
	if n, err := readUint16(ir.r); err != nil {
		return &CorruptionError{File: ir.src, Err: err}
	} else if n != 0 {
		return corruptf(ir.src, "first record is not the root")
	}
	var root, err = ir.readInodePayload()
	if err != nil {
		return err
	}
	ir.ns.SetRootAttributes(root)
	ir.progress(1)

	for ir.loaded < ir.total {
		if err = ir.readDirectory(); err != nil {
			return err
		}
	}
	if ir.loaded != ir.total {
		return corruptf(ir.src, "read %d files, expected %d", ir.loaded, ir.total)
	}
	return nil
}

// readDirectory decodes one directory record: a parent path, a child
// count, and that many named children.
func (ir *imageReader) readDirectory() error {
	var parentName, err = readLenBytes(ir.r)
	if err != nil {
		return &CorruptionError{File: ir.src, Err: err}
	}
	var parent *namespace.Node
	if parent, err = ir.ns.ResolvePath(namespace.SplitPath(parentName)); err != nil {
		return corruptf(ir.src, "resolving parent %q: %s", parentName, err)
	} else if !parent.IsDirectory() {
		return corruptf(ir.src, "parent %q is not a directory", parentName)
	}

	var numChildren int32
	if numChildren, err = readInt32(ir.r); err != nil {
		return &CorruptionError{File: ir.src, Err: err}
	} else if numChildren < 0 || int64(numChildren) > ir.total {
		return corruptf(ir.src, "directory %q declares %d children", parentName, numChildren)
	}
	for i := int32(0); i != numChildren; i++ {
		var name []byte
		if name, err = readLenBytes(ir.r); err != nil {
			return &CorruptionError{File: ir.src, Err: err}
		}
		var node *namespace.Node
		if node, err = ir.readInodePayload(); err != nil {
			return err
		}
		node.Name = name
		if err = parent.AddChild(node); err != nil {
			return corruptf(ir.src, "adding %q to %q: %s", name, parentName, err)
		}
		ir.progress(1)
	}
	return nil
}

// readFullPathBody decodes the full-path body form, maintaining a sliding
// parent cursor: consecutive records typically share a parent.
func (ir *imageReader) readFullPathBody() error {
	var parentPath [][]byte
	var parent *namespace.Node

	for ; ir.loaded != ir.total; ir.progress(1) {
		var path, err = readLenBytes(ir.r)
		if err != nil {
			return &CorruptionError{File: ir.src, Err: err}
		}
		var node *namespace.Node
		if node, err = ir.readInodePayload(); err != nil {
			return err
		}

		if len(path) == 0 {
			// The root record. Apply attributes to the existing root.
			ir.ns.SetRootAttributes(node)
			continue
		}
		var components = namespace.SplitPath(path)
		if len(components) == 0 || len(components[len(components)-1]) == 0 {
			return corruptf(ir.src, "malformed path %q", path)
		}
		node.Name = components[len(components)-1]

		if parent == nil || !isParent(components, parentPath) {
			parentPath = components[:len(components)-1]
			if parent, err = ir.ns.ResolvePath(parentPath); err != nil {
				return corruptf(ir.src, "resolving parent of %q: %s", path, err)
			} else if !parent.IsDirectory() {
				return corruptf(ir.src, "parent of %q is not a directory", path)
			}
		}
		if err = parent.AddChild(node); err != nil {
			return corruptf(ir.src, "adding %q: %s", path, err)
		}
	}
	return nil
}

// isParent returns whether |path|'s parent components equal |parent|.
func isParent(path, parent [][]byte) bool {
	if len(path) != len(parent)+1 {
		return false
	}
	for i := range parent {
		if !bytes.Equal(path[i], parent[i]) {
			return false
		}
	}
	return true
}

// readInodePayload decodes the version-dependent attributes of one inode,
// exclusive of its name.
func (ir *imageReader) readInodePayload() (*namespace.Node, error) {
	var v = ir.v
	var n = &namespace.Node{}

	var err error
	if n.Replication, err = readInt16(ir.r); err != nil {
		return nil, &CorruptionError{File: ir.src, Err: err}
	}
	n.Replication = ir.adjust(n.Replication)
	if n.Mtime, err = readInt64(ir.r); err != nil {
		return nil, &CorruptionError{File: ir.src, Err: err}
	}
	if v <= atimeVersion {
		if n.Atime, err = readInt64(ir.r); err != nil {
			return nil, &CorruptionError{File: ir.src, Err: err}
		}
	}
	if v <= blockSizeVersion {
		if n.PreferredBlockSize, err = readInt64(ir.r); err != nil {
			return nil, &CorruptionError{File: ir.src, Err: err}
		}
	}

	var numBlocks int32
	if numBlocks, err = readInt32(ir.r); err != nil {
		return nil, &CorruptionError{File: ir.src, Err: err}
	}

	// A negative block count marks a directory; layouts predating
	// negative counts mark directories with a count of zero.
	var isFile bool
	if v <= negativeBlockCountVersion {
		isFile = numBlocks >= 0
	} else {
		isFile = numBlocks > 0
	}

	if isFile {
		if numBlocks > maxBlocksPerInode {
			return nil, corruptf(ir.src, "inode declares %d blocks", numBlocks)
		}
		n.Blocks = make([]namespace.Block, numBlocks)
		for i := range n.Blocks {
			if n.Blocks[i], err = ir.readBlock(); err != nil {
				return nil, err
			}
		}
		// Layouts up to and including the one which introduced stored
		// block sizes infer a zero size: from the first block of a
		// multi-block file, otherwise the larger of the namespace default
		// and the single block's length.
		if v >= blockSizeVersion && n.PreferredBlockSize == 0 {
			if numBlocks > 1 {
				n.PreferredBlockSize = n.Blocks[0].NumBytes
			} else {
				var first int64
				if numBlocks == 1 {
					first = n.Blocks[0].NumBytes
				}
				n.PreferredBlockSize = maxInt64(ir.ns.DefaultBlockSize, first)
			}
		}
	} else {
		// Quotas apply to directories only; layouts lacking them read as unset.
		n.NsQuota, n.DsQuota = -1, -1
		if v <= int64FilesVersion {
			if n.NsQuota, err = readInt64(ir.r); err != nil {
				return nil, &CorruptionError{File: ir.src, Err: err}
			}
		}
		if v <= dsQuotaVersion {
			if n.DsQuota, err = readInt64(ir.r); err != nil {
				return nil, &CorruptionError{File: ir.src, Err: err}
			}
		}
	}

	if v <= permissionVersion {
		if n.Permission, err = readPermission(ir.r); err != nil {
			return nil, &CorruptionError{File: ir.src, Err: err}
		}
	} else {
		n.Permission = ir.ns.DefaultPermission
	}
	return n, nil
}

func (ir *imageReader) readBlock() (namespace.Block, error) {
	var b namespace.Block
	var err error
	if b.ID, err = readInt64(ir.r); err != nil {
		return b, &CorruptionError{File: ir.src, Err: err}
	}
	if b.NumBytes, err = readInt64(ir.r); err != nil {
		return b, &CorruptionError{File: ir.src, Err: err}
	}
	if ir.v <= blockGenStampVersion {
		if b.GenerationStamp, err = readInt64(ir.r); err != nil {
			return b, &CorruptionError{File: ir.src, Err: err}
		}
	} else {
		b.GenerationStamp = namespace.GrandfatherGenerationStamp
	}
	return b, nil
}

func (ir *imageReader) readFilesUnderConstruction() error {
	var count, err = readInt32(ir.r)
	if err != nil {
		return &CorruptionError{File: ir.src, Err: err}
	} else if count < 0 {
		return corruptf(ir.src, "image declares %d files under construction", count)
	}

	for i := int32(0); i != count; i++ {
		var f namespace.FileUnderConstruction
		if f.Path, err = readString(ir.r); err != nil {
			return &CorruptionError{File: ir.src, Err: err}
		}
		if f.Replication, err = readInt16(ir.r); err != nil {
			return &CorruptionError{File: ir.src, Err: err}
		}
		f.Replication = ir.adjust(f.Replication)
		if f.Mtime, err = readInt64(ir.r); err != nil {
			return &CorruptionError{File: ir.src, Err: err}
		}
		if f.PreferredBlockSize, err = readInt64(ir.r); err != nil {
			return &CorruptionError{File: ir.src, Err: err}
		}
		var numBlocks int32
		if numBlocks, err = readInt32(ir.r); err != nil {
			return &CorruptionError{File: ir.src, Err: err}
		} else if numBlocks < 0 {
			return corruptf(ir.src, "construction record %q declares %d blocks", f.Path, numBlocks)
		}
		f.Blocks = make([]namespace.Block, numBlocks)
		for j := range f.Blocks {
			// Construction records always carry full block records.
			if f.Blocks[j].ID, err = readInt64(ir.r); err != nil {
				return &CorruptionError{File: ir.src, Err: err}
			}
			if f.Blocks[j].NumBytes, err = readInt64(ir.r); err != nil {
				return &CorruptionError{File: ir.src, Err: err}
			}
			if f.Blocks[j].GenerationStamp, err = readInt64(ir.r); err != nil {
				return &CorruptionError{File: ir.src, Err: err}
			}
		}
		if f.Permission, err = readPermission(ir.r); err != nil {
			return &CorruptionError{File: ir.src, Err: err}
		}
		if f.ClientName, err = readString(ir.r); err != nil {
			return &CorruptionError{File: ir.src, Err: err}
		}
		if f.ClientMachine, err = readString(ir.r); err != nil {
			return &CorruptionError{File: ir.src, Err: err}
		}
		// Block locations are written as zero and discarded; a nonzero
		// count cannot be decoded and marks the image corrupt.
		var numLocations int32
		if numLocations, err = readInt32(ir.r); err != nil {
			return &CorruptionError{File: ir.src, Err: err}
		} else if numLocations != 0 {
			return corruptf(ir.src, "construction record %q carries %d block locations", f.Path, numLocations)
		}

		// The record must name an existing file of the tree.
		var node = ir.ns.Lookup(f.Path)
		if node == nil {
			return corruptf(ir.src, "construction record for non-existent file %q", f.Path)
		} else if node.IsDirectory() {
			return corruptf(ir.src, "construction record for directory %q", f.Path)
		}
		ir.ns.Construction = append(ir.ns.Construction, f)
	}
	return nil
}

func (ir *imageReader) progress(n int64) {
	ir.loaded += n
	var percent = 100
	if ir.total > 0 {
		percent = int(ir.loaded * 100 / ir.total)
	}
	ir.lastLogged = logProgress("loaded", percent, ir.lastLogged)
}

func readPermission(r io.Reader) (namespace.PermissionStatus, error) {
	var p namespace.PermissionStatus
	var err error
	if p.User, err = readString(r); err != nil {
		return p, err
	}
	if p.Group, err = readString(r); err != nil {
		return p, err
	}
	var mode int16
	if mode, err = readInt16(r); err != nil {
		return p, err
	}
	p.Mode = uint16(mode)
	return p, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// maxBlocksPerInode bounds the per-inode block count sanity check.
const maxBlocksPerInode = 1 << 20
