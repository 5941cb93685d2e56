package social

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"pigeon/tools/errs"
)

// NatsDirectory 经 NATS request/reply 调远端社交服务的目录客户端。
// subject 约定：social.members / social.perm。
type NatsDirectory struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewNatsDirectory(nc *nats.Conn, timeout time.Duration) *NatsDirectory {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NatsDirectory{nc: nc, timeout: timeout}
}

type membersReq struct {
	SessionID string `json:"session_id"`
}

type membersResp struct {
	UserIDs []string `json:"user_ids"`
}

type permReq struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	PartitionID int32  `json:"partition_id"`
}

type permResp struct {
	Allowed bool `json:"allowed"`
}

func (d *NatsDirectory) request(ctx context.Context, subject string, req any, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(err)
	}
	msg, err := d.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return errs.ErrDirTimeout.WrapMsg(err.Error(), "subject", subject)
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return errs.Wrap(err)
	}
	return nil
}

func (d *NatsDirectory) ListActiveSessionMembers(ctx context.Context, sessionID string) ([]string, error) {
	var out membersResp
	if err := d.request(ctx, "social.members", membersReq{SessionID: sessionID}, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

func (d *NatsDirectory) CheckSendPermission(ctx context.Context, sessionID, userID string, partitionID int32) (bool, error) {
	var out permResp
	req := permReq{SessionID: sessionID, UserID: userID, PartitionID: partitionID}
	if err := d.request(ctx, "social.perm", req, &out); err != nil {
		return false, err
	}
	return out.Allowed, nil
}
