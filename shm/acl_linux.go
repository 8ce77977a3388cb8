// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package shm // import "go.opentelemetry.io/coverhost/shm"

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"os/user"
	"slices"
	"strconv"

	"golang.org/x/sys/unix"
)

// Access ACLs use the kernel's system.posix_acl_access xattr layout: a little endian
// version word followed by one (tag, perm, id) record per entry, ordered by tag and id.
const (
	aclXattrAccess = "system.posix_acl_access"
	aclVersion     = 2

	aclUserObj  = 0x01
	aclUser     = 0x02
	aclGroupObj = 0x04
	aclGroup    = 0x08
	aclMask     = 0x10
	aclOther    = 0x20

	aclRead  = 0x04
	aclWrite = 0x02

	aclUndefinedID = 0xFFFFFFFF

	aclHeaderSize = 4
	aclEntrySize  = 8
)

type aclEntry struct {
	tag  uint16
	perm uint16
	id   uint32
}

// principalEntry resolves a principal to a named read/write entry. Group names win over
// user names, matching how principalGID resolves them.
func principalEntry(principal string) (aclEntry, error) {
	if g, err := user.LookupGroup(principal); err == nil {
		gid, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return aclEntry{}, fmt.Errorf("principal %q has invalid gid %q: %w", principal, g.Gid, err)
		}
		return aclEntry{tag: aclGroup, perm: aclRead | aclWrite, id: uint32(gid)}, nil
	}
	u, err := user.Lookup(principal)
	if err != nil {
		return aclEntry{}, fmt.Errorf("unknown principal %q: %w", principal, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return aclEntry{}, fmt.Errorf("principal %q has invalid uid %q: %w", principal, u.Uid, err)
	}
	return aclEntry{tag: aclUser, perm: aclRead | aclWrite, id: uint32(uid)}, nil
}

// encodeACL builds an access ACL that gives the owner, the owning group and every named
// entry read/write access. Others get nothing.
func encodeACL(named []aclEntry) []byte {
	entries := []aclEntry{
		{tag: aclUserObj, perm: aclRead | aclWrite, id: aclUndefinedID},
		{tag: aclGroupObj, perm: aclRead | aclWrite, id: aclUndefinedID},
		{tag: aclMask, perm: aclRead | aclWrite, id: aclUndefinedID},
		{tag: aclOther, id: aclUndefinedID},
	}
	entries = append(entries, named...)
	slices.SortFunc(entries, func(a, b aclEntry) int {
		return cmp.Or(cmp.Compare(a.tag, b.tag), cmp.Compare(a.id, b.id))
	})
	// The kernel rejects duplicate qualifiers.
	entries = slices.CompactFunc(entries, func(a, b aclEntry) bool {
		return a.tag == b.tag && a.id == b.id
	})

	buf := make([]byte, aclHeaderSize+aclEntrySize*len(entries))
	binary.LittleEndian.PutUint32(buf, aclVersion)
	for i, e := range entries {
		rec := buf[aclHeaderSize+i*aclEntrySize:]
		binary.LittleEndian.PutUint16(rec[0:], e.tag)
		binary.LittleEndian.PutUint16(rec[2:], e.perm)
		binary.LittleEndian.PutUint32(rec[4:], e.id)
	}
	return buf
}

// grantPrincipals attaches an access ACL naming every principal to fd. The mode set
// before must not carry any bits for others.
func grantPrincipals(fd int, name string, principals []string) error {
	named := make([]aclEntry, 0, len(principals))
	for _, principal := range principals {
		e, err := principalEntry(principal)
		if err != nil {
			return err
		}
		named = append(named, e)
	}
	if err := unix.Fsetxattr(fd, aclXattrAccess, encodeACL(named), 0); err != nil {
		return fmt.Errorf("failed to grant %v access to %s: %w", principals, name, err)
	}
	return nil
}
