package sandboxfs

import "io/fs"

// Credentials are the identity permission checks run as.
type Credentials struct {
	Uid    uint32
	Gid    uint32
	Groups []uint32
}

// Root reports whether c bypasses permission checks.
func (c Credentials) Root() bool { return c.Uid == 0 }

func (c Credentials) inGroup(gid uint32) bool {
	if c.Gid == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

const (
	accessExec  = 1
	accessWrite = 2
	accessRead  = 4
)

// checkAccess applies the owner/group/other permission bits of n. Mounts
// without POSIX permissions accept everything.
func (v *VFS) checkAccess(n node, want uint32) error {
	if v.creds.Root() || n.m == nil || n.m.Caps.PosixPermissions == Unsupported {
		return nil
	}
	meta, ok := v.inodes.Lookup(n.id)
	if !ok {
		return ErrStaleInode
	}
	perm := uint32(meta.Mode.Perm())
	var bits uint32
	switch {
	case meta.Uid == v.creds.Uid:
		bits = perm >> 6
	case v.creds.inGroup(meta.Gid):
		bits = perm >> 3
	default:
		bits = perm
	}
	if bits&7&want != want {
		return ErrPermissionDenied
	}
	return nil
}

// checkOwner allows metadata changes by the owner or root.
func (v *VFS) checkOwner(n node) error {
	if v.creds.Root() || n.m.Caps.PosixPermissions == Unsupported {
		return nil
	}
	meta, ok := v.inodes.Lookup(n.id)
	if !ok {
		return ErrStaleInode
	}
	if meta.Uid != v.creds.Uid {
		return ErrPermissionDenied
	}
	return nil
}

// checkSticky enforces the sticky bit of dir on removing or renaming
// victim out of it.
func (v *VFS) checkSticky(dir, victim node) error {
	if v.creds.Root() || dir.m.Caps.PosixPermissions == Unsupported {
		return nil
	}
	dmeta, ok := v.inodes.Lookup(dir.id)
	if !ok || dmeta.Mode&fs.ModeSticky == 0 {
		return nil
	}
	vmeta, ok := v.inodes.Lookup(victim.id)
	if !ok {
		return nil
	}
	if dmeta.Uid == v.creds.Uid || vmeta.Uid == v.creds.Uid {
		return nil
	}
	return ErrPermissionDenied
}

// newSpec fills the ownership of a node created in dir. A set-group-ID
// directory passes its group down.
func (v *VFS) newSpec(dir node, typ FileType, perm fs.FileMode) NodeSpec {
	spec := NodeSpec{
		Type: typ,
		Mode: perm & PermMask,
		Uid:  v.creds.Uid,
		Gid:  v.creds.Gid,
	}
	if meta, ok := v.inodes.Lookup(dir.id); ok && meta.Mode&fs.ModeSetgid != 0 {
		spec.Gid = meta.Gid
		if typ == TypeDirectory {
			spec.Mode |= fs.ModeSetgid
		}
	}
	return spec
}
