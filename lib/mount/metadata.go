// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"fmt"
	"slices"

	"github.com/bureau-foundation/wormhole/lib/wire"
)

func (a *Actor) getAttr(request *Request) {
	if cached, ok := a.attrs[request.Inode]; ok && a.fresh(cached.expires) {
		a.finish(request, Result{Attr: a.withDirtySize(cached.attr)})
		return
	}
	a.issue(&call{
		request: &wire.GetAttr{Inode: request.Inode},
		done: func(response wire.Message, err error) {
			a.finish(request, a.attrResult(request.Inode, response, err))
		},
	})
}

// attrResult caches the attributes in an AttrResponse and reports them
// with the size buffered writes give the file. A NotFound answer drops
// what was cached for inode.
func (a *Actor) attrResult(inode uint64, response wire.Message, err error) Result {
	if err == nil {
		var r *wire.AttrResponse
		if r, err = expect[*wire.AttrResponse](response); err == nil {
			a.storeAttr(r.Attr)
			return Result{Attr: a.withDirtySize(r.Attr)}
		}
	}
	if inode != 0 && codeOf(err) == wire.CodeNotFound {
		a.forgetContent(inode)
	}
	return Result{Err: err}
}

func (a *Actor) lookup(request *Request) {
	key := nameKey{parent: request.Inode, name: request.Name}
	if name, ok := a.lookups[key]; ok && a.fresh(name.expires) {
		if cached, ok := a.attrs[name.inode]; ok && a.fresh(cached.expires) {
			a.finish(request, Result{Attr: a.withDirtySize(cached.attr)})
			return
		}
	}
	a.issue(&call{
		request: &wire.Lookup{Parent: request.Inode, Name: request.Name},
		done: func(response wire.Message, err error) {
			result := a.attrResult(0, response, err)
			if result.Err == nil {
				a.remember(key, result.Attr.Inode)
			} else if codeOf(result.Err) == wire.CodeNotFound {
				delete(a.lookups, key)
			}
			a.finish(request, result)
		},
	})
}

func (a *Actor) remember(key nameKey, inode uint64) {
	a.lookups[key] = cachedName{inode: inode, expires: a.clock.Now().Add(a.attrTTL)}
}

// readDir pages through ListDir until the host reports no more
// entries.
func (a *Actor) readDir(request *Request) {
	inode := request.Inode
	if cached, ok := a.dirs[inode]; ok && a.fresh(cached.expires) {
		a.finish(request, Result{Entries: slices.Clone(cached.entries)})
		return
	}
	var entries []wire.DirEntry
	var page func(offset uint64)
	page = func(offset uint64) {
		a.issue(&call{
			request: &wire.ListDir{Inode: inode, Offset: offset},
			done: func(response wire.Message, err error) {
				var r *wire.ListDirResponse
				if err == nil {
					r, err = expect[*wire.ListDirResponse](response)
				}
				if err == nil && r.HasMore && r.NextOffset <= offset {
					err = fmt.Errorf("listing of inode %d does not advance past offset %d", inode, offset)
				}
				if err != nil {
					a.finish(request, Result{Err: err})
					return
				}
				entries = append(entries, r.Entries...)
				if r.HasMore {
					page(r.NextOffset)
					return
				}
				a.dirs[inode] = cachedDir{entries: entries, expires: a.clock.Now().Add(a.attrTTL)}
				a.finish(request, Result{Entries: slices.Clone(entries)})
			},
		})
	}
	page(0)
}

// create handles Create and Mkdir.
func (a *Actor) create(request *Request) {
	var message wire.Message = &wire.Mkdir{Parent: request.Inode, Name: request.Name, Mode: request.Mode}
	if request.Kind == KindCreate {
		message = &wire.Create{Parent: request.Inode, Name: request.Name, Mode: request.Mode, Exclusive: request.Exclusive}
	}
	a.issue(&call{
		request: message,
		done: func(response wire.Message, err error) {
			result := a.attrResult(0, response, err)
			if result.Err == nil {
				a.forgetDirectory(request.Inode)
				a.remember(nameKey{parent: request.Inode, name: request.Name}, result.Attr.Inode)
			}
			a.finish(request, result)
		},
	})
}

// remove handles Unlink and Rmdir.
func (a *Actor) remove(request *Request) {
	var message wire.Message = &wire.Rmdir{Parent: request.Inode, Name: request.Name}
	if request.Kind == KindUnlink {
		message = &wire.Unlink{Parent: request.Inode, Name: request.Name}
	}
	key := nameKey{parent: request.Inode, name: request.Name}
	a.issue(&call{
		request: message,
		done: func(_ wire.Message, err error) {
			if err == nil {
				if name, ok := a.lookups[key]; ok {
					a.forgetContent(name.inode)
					a.dropDirty(name.inode)
					delete(a.leases, name.inode)
				}
				a.forgetDirectory(request.Inode)
			}
			a.finish(request, Result{Err: err})
		},
	})
}

func (a *Actor) rename(request *Request) {
	from := nameKey{parent: request.Inode, name: request.Name}
	to := nameKey{parent: request.NewParent, name: request.NewName}
	a.issue(&call{
		request: &wire.Rename{Parent: request.Inode, Name: request.Name, NewParent: request.NewParent, NewName: request.NewName},
		done: func(_ wire.Message, err error) {
			if err == nil {
				moved, known := a.lookups[from]
				if replaced, ok := a.lookups[to]; ok && (!known || replaced.inode != moved.inode) {
					a.forgetContent(replaced.inode)
					a.dropDirty(replaced.inode)
				}
				a.forgetDirectory(request.Inode)
				a.forgetDirectory(request.NewParent)
				if known {
					a.expireAttr(moved.inode)
					a.remember(to, moved.inode)
				}
			}
			a.finish(request, Result{Err: err})
		},
	})
}

// setAttr sends a SetAttr. Buffered data is written back first so the
// change applies after it. A size change rewrites content, so it runs
// under the file's lease and drops the cached chunks.
func (a *Actor) setAttr(request *Request) {
	inode := request.Inode
	change := *request.Change
	change.Inode = inode
	send := func() {
		change.Token = a.leases[inode].token
		a.issue(&call{
			request: &change,
			done: func(response wire.Message, err error) {
				a.leaseError(inode, err)
				var r *wire.AttrResponse
				if err == nil {
					r, err = expect[*wire.AttrResponse](response)
				}
				if err != nil {
					if codeOf(err) == wire.CodeNotFound {
						a.forgetContent(inode)
					}
					a.finish(request, Result{Err: err})
					return
				}
				if change.Size != nil {
					a.forgetContent(inode)
				}
				a.recordAttr(r.Attr)
				a.finish(request, Result{Attr: a.withDirtySize(r.Attr)})
			},
		})
	}
	_, dirty := a.dirty[inode]
	if !dirty && change.Size == nil {
		send()
		return
	}
	a.withLease(request, func(token wire.LockToken) {
		a.writeBack(request, token, func(err error) {
			if err != nil {
				a.finish(request, Result{Err: err})
				return
			}
			send()
		})
	})
}
