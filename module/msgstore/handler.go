package msgstore

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pigeon/tools/errs"
)

// HTTP 薄壳：参数绑定 + 错误码翻译，业务全在 Service。
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/msg")
	g.POST("/send", h.send)
	g.POST("/pull_user", h.pullUser)
	g.POST("/pull_sessions", h.pullSessions)
	g.POST("/ack", h.ack)
	g.POST("/sync_state", h.syncState)
}

type apiResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func respOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResp{Code: 0, Msg: "ok", Data: data})
}

func respErr(c *gin.Context, err error) {
	c.JSON(http.StatusOK, apiResp{Code: errs.Code(err), Msg: err.Error()})
}

func (h *Handler) send(c *gin.Context) {
	var req PersistReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	res, err := h.svc.Persist(c.Request.Context(), &req)
	if err != nil {
		respErr(c, err)
		return
	}
	respOK(c, res)
}

type pullUserReq struct {
	UserID     string `json:"user_id"`
	AfterMsgID int64  `json:"after_msg_id"`
	Limit      int    `json:"limit"`
}

func (h *Handler) pullUser(c *gin.Context) {
	var req pullUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	msgs, err := h.svc.PullOfflineByUser(c.Request.Context(), req.UserID, req.AfterMsgID, req.Limit)
	if err != nil {
		respErr(c, err)
		return
	}
	respOK(c, msgs)
}

type pullSessionsReq struct {
	UserID     string   `json:"user_id"`
	SessionIDs []string `json:"session_ids"`
	Limit      int      `json:"limit"`
}

func (h *Handler) pullSessions(c *gin.Context) {
	var req pullSessionsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	msgs, err := h.svc.PullOfflineBySessions(c.Request.Context(), req.UserID, req.SessionIDs, req.Limit)
	if err != nil {
		respErr(c, err)
		return
	}
	respOK(c, msgs)
}

type ackReq struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	LastMsgID int64  `json:"last_msg_id"`
	LastSeq   int64  `json:"last_seq"`
}

func (h *Handler) ack(c *gin.Context) {
	var req ackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	advanced, err := h.svc.AckReadProgress(c.Request.Context(), req.UserID, req.SessionID, req.LastMsgID, req.LastSeq)
	if err != nil {
		respErr(c, err)
		return
	}
	respOK(c, gin.H{"advanced": advanced})
}

type syncStateReq struct {
	UserID     string   `json:"user_id"`
	SessionIDs []string `json:"session_ids"`
}

func (h *Handler) syncState(c *gin.Context) {
	var req syncStateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	states, err := h.svc.BatchGetSyncState(c.Request.Context(), req.UserID, req.SessionIDs)
	if err != nil {
		respErr(c, err)
		return
	}
	respOK(c, states)
}
