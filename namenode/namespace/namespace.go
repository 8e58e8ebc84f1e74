// Package namespace models a point-in-time snapshot of the file-system
// namespace: a rooted tree of directory and file nodes, their block
// references, and the set of files having an open writer. The checkpoint
// engine reads a snapshot while saving an image, and populates one while
// loading. Ownership of the snapshot rests with the caller; the engine
// treats it as read-only for the duration of a save.
package namespace

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
)

// Separator divides path components in full-path image records.
const Separator = '/'

// Block references one block of a file: its identity, committed length,
// and generation stamp.
type Block struct {
	ID              int64
	NumBytes        int64
	GenerationStamp int64
}

// GrandfatherGenerationStamp is substituted for block generation stamps
// read from image layouts which predate their introduction.
const GrandfatherGenerationStamp = 0

// PermissionStatus is the owner, group and mode of a node.
type PermissionStatus struct {
	User  string
	Group string
	Mode  uint16
}

// Node is one entry of the namespace tree. A Node with a nil Blocks slice
// is a directory; a file always has a non-nil (possibly empty) Blocks slice.
type Node struct {
	// Name is the local (not absolute) name of the node. It's empty for
	// the root directory.
	Name []byte

	Replication        int16
	Mtime              int64
	Atime              int64
	PreferredBlockSize int64
	Blocks             []Block

	// NsQuota and DsQuota apply to directories only; -1 means unset.
	NsQuota int64
	DsQuota int64

	Permission PermissionStatus

	// Children of a directory, ordered by Name.
	Children []*Node
}

// IsDirectory returns whether the Node is a directory.
func (n *Node) IsDirectory() bool { return n.Blocks == nil }

// Child returns the child having |name|, or nil.
func (n *Node) Child(name []byte) *Node {
	var i = sort.Search(len(n.Children), func(i int) bool {
		return bytes.Compare(n.Children[i].Name, name) >= 0
	})
	if i < len(n.Children) && bytes.Equal(n.Children[i].Name, name) {
		return n.Children[i]
	}
	return nil
}

// AddChild inserts |child| into the ordered children of directory |n|.
// It returns an error if |n| is not a directory or the name is taken.
func (n *Node) AddChild(child *Node) error {
	if !n.IsDirectory() {
		return errors.Errorf("%q is not a directory", n.Name)
	}
	var i = sort.Search(len(n.Children), func(i int) bool {
		return bytes.Compare(n.Children[i].Name, child.Name) >= 0
	})
	if i < len(n.Children) && bytes.Equal(n.Children[i].Name, child.Name) {
		return errors.Errorf("child %q exists", child.Name)
	}
	n.Children = append(n.Children, nil)
	copy(n.Children[i+1:], n.Children[i:])
	n.Children[i] = child
	return nil
}

// FileUnderConstruction records a file having an open writer, retained
// separately so the client's identity survives a checkpoint.
type FileUnderConstruction struct {
	Path               string
	Replication        int16
	Mtime              int64
	PreferredBlockSize int64
	Blocks             []Block
	Permission         PermissionStatus
	ClientName         string
	ClientMachine      string
}

// Namespace is a rooted snapshot of the file-system tree.
type Namespace struct {
	Root *Node
	// GenerationStamp is the namespace-wide block generation stamp at the
	// time of the snapshot.
	GenerationStamp int64
	// DefaultBlockSize substitutes for a zero preferred block size read
	// from layouts which predate per-file block sizes.
	DefaultBlockSize int64
	// DefaultPermission substitutes for node permissions read from layouts
	// which predate permission storage.
	DefaultPermission PermissionStatus
	// Construction is the ordered set of files under construction.
	Construction []FileUnderConstruction
}

// New returns an empty Namespace holding only a root directory.
func New() *Namespace {
	return &Namespace{
		Root: &Node{
			NsQuota: -1,
			DsQuota: -1,
		},
	}
}

// NumNodes returns the total number of nodes in the tree, root included.
func (ns *Namespace) NumNodes() int64 {
	var walk func(*Node) int64
	walk = func(n *Node) int64 {
		var total = int64(1)
		for _, c := range n.Children {
			total += walk(c)
		}
		return total
	}
	return walk(ns.Root)
}

// ResolvePath walks |components| from the root and returns the named Node.
// An empty or single-empty-component path resolves to the root.
func (ns *Namespace) ResolvePath(components [][]byte) (*Node, error) {
	var node = ns.Root
	for _, c := range components {
		if len(c) == 0 {
			continue // Leading (or root) separator.
		}
		if node = node.Child(c); node == nil {
			return nil, errors.Errorf("path component %q not found", c)
		}
	}
	return node, nil
}

// Lookup resolves an absolute '/'-separated |path| to its Node, or nil.
func (ns *Namespace) Lookup(path string) *Node {
	var node, err = ns.ResolvePath(SplitPath([]byte(path)))
	if err != nil {
		return nil
	}
	return node
}

// SetRootAttributes applies the attributes of a decoded root record onto
// the existing root, rather than allocating a new node.
func (ns *Namespace) SetRootAttributes(root *Node) {
	if root.NsQuota != -1 {
		ns.Root.NsQuota = root.NsQuota
	}
	if root.DsQuota != -1 {
		ns.Root.DsQuota = root.DsQuota
	}
	ns.Root.Mtime = root.Mtime
	ns.Root.Permission = root.Permission
}

// SplitPath splits a '/'-separated byte path into its components.
// The leading empty component of an absolute path is dropped.
func SplitPath(path []byte) [][]byte {
	var split = bytes.Split(path, []byte{Separator})
	if len(split) > 0 && len(split[0]) == 0 {
		split = split[1:]
	}
	return split
}
