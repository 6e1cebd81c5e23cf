package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dLock/lib/lockmgr"
	"github.com/ValentinKolb/dLock/rpc/common"
)

// NewLockManagerServerAdapter creates the adapter routing requests to locks
func NewLockManagerServerAdapter(locks lockmgr.ILockManager) IRPCServerAdapter {
	return &lockMgrServerAdapter{locks: locks}
}

type lockMgrServerAdapter struct {
	locks lockmgr.ILockManager
}

func (a *lockMgrServerAdapter) Handle(ctx context.Context, cid string, req common.Request) *common.Message {
	var reply lockmgr.Reply
	var err error

	switch r := req.(type) {
	case common.ConnectRequest:
		reply, err = a.locks.Connect(ctx, cid, r.Session)
	case common.CloseRequest:
		reply, err = a.locks.Close(ctx, cid, r.Session)
	case common.LockRequest:
		reply, err = a.locks.Lock(ctx, cid, r.Name)
	case common.UnlockRequest:
		reply, err = a.locks.Unlock(ctx, cid, r.Name)
	case common.MLockRequest:
		reply, err = a.locks.MLock(ctx, cid, r.Names)
	case common.MUnlockRequest:
		reply, err = a.locks.MUnlock(ctx, cid, r.Names)
	default:
		return common.NewErrorResponse(fmt.Sprintf("unsupported action: %s", req.Action()))
	}

	if err != nil {
		kind := lockmgr.KindOf(err)
		if kind == lockmgr.KindStoreUnavailable || kind == lockmgr.KindTxAborted {
			Logger.Warningf("%s from %s failed: %v", req.Action(), cid, err)
		} else {
			Logger.Debugf("%s from %s rejected: %v", req.Action(), cid, err)
		}
	}
	return common.NewReplyResponse(reply)
}
