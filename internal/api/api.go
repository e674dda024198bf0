package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/victornm/bimillog/internal/domain"
	"github.com/victornm/bimillog/internal/errors"
	"github.com/victornm/bimillog/internal/event"
	"github.com/victornm/bimillog/internal/notify"
	"github.com/victornm/bimillog/internal/rank"
	"github.com/victornm/bimillog/internal/stream"
)

const (
	headerUserID    = "X-User-ID"
	headerSessionID = "X-Session-ID"

	interactionLike    = "like"
	interactionMessage = "message"
	interactionComment = "comment"
	interactionVisit   = "visit"
)

// Interactions is the durable interaction log; the write happens before the
// event is published so a failed write never produces phantom notifications.
type Interactions interface {
	AddInteraction(ctx context.Context, subjectID int64, kind string, actorID int64) error
	RemoveInteraction(ctx context.Context, subjectID int64, kind string, actorID int64) error
}

type Config struct {
	Router       *gin.Engine
	EventBus     *event.Bus
	Rank         *rank.Service
	Notify       *notify.Service
	Registry     *stream.Registry
	Interactions Interactions
}

type API struct {
	eb           *event.Bus
	rank         *rank.Service
	notify       *notify.Service
	registry     *stream.Registry
	interactions Interactions
}

func New(c Config) *API {
	a := &API{
		eb:           c.EventBus,
		rank:         c.Rank,
		notify:       c.Notify,
		registry:     c.Registry,
		interactions: c.Interactions,
	}

	v1 := c.Router.Group("/v1")

	v1.POST("/posts/:id/like", a.LikePost)
	v1.DELETE("/posts/:id/like", a.UnlikePost)
	v1.POST("/posts/:id/comments", a.CreateComment)
	v1.POST("/papers/:id/messages", a.WriteMessage)
	v1.DELETE("/papers/:id/messages/:mid", a.DeleteMessage)
	v1.POST("/papers/:id/visits", a.VisitPaper)

	v1.GET("/leaderboard/:category", a.GetLeaderboard)

	v1.GET("/notifications", a.ListNotifications)
	v1.POST("/notifications/read", a.ReadNotifications)
	v1.POST("/notifications/delete", a.DeleteNotifications)

	v1.GET("/stream", a.Subscribe)

	v1.POST("/push/tokens", a.RegisterPushToken)
	v1.DELETE("/push/tokens", a.ClearPushTokens)

	v1.POST("/reports", a.SubmitReport)
	v1.POST("/auth/logout", a.Logout)
	v1.POST("/auth/withdraw", a.Withdraw)

	return a
}

// identity returns the caller's user id from the identity headers. The
// identity provider itself is an upstream concern; here the headers are
// trusted.
func identity(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func abortError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}

func abortUnauthenticated(c *gin.Context) {
	abortError(c, errors.New(errors.CodeUnauthenticated))
}

func subjectParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid id: %s", c.Param("id"))))
		return 0, false
	}
	return id, true
}

type likeRequest struct {
	OwnerID   int64  `json:"owner_id" binding:"required"`
	LikerName string `json:"liker_name"`
}

func (a *API) LikePost(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}
	postID, ok := subjectParam(c)
	if !ok {
		return
	}

	var req likeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.interactions.AddInteraction(c.Request.Context(), postID, interactionLike, user); err != nil {
		abortError(c, err)
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventPostLiked{
		PostID:      postID,
		PostOwnerID: req.OwnerID,
		LikerID:     user,
		LikerName:   req.LikerName,
	})

	c.Status(http.StatusNoContent)
}

// UnlikePost removes the durable like. No score event: unlike is a no-op on
// the live realtime score and only shows up in the next windowed recompute.
func (a *API) UnlikePost(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}
	postID, ok := subjectParam(c)
	if !ok {
		return
	}

	if err := a.interactions.RemoveInteraction(c.Request.Context(), postID, interactionLike, user); err != nil {
		abortError(c, err)
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventPostUnliked{
		PostID:  postID,
		LikerID: user,
	})

	c.Status(http.StatusNoContent)
}

type commentRequest struct {
	OwnerID       int64  `json:"owner_id" binding:"required"`
	CommenterName string `json:"commenter_name"`
}

func (a *API) CreateComment(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}
	postID, ok := subjectParam(c)
	if !ok {
		return
	}

	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.interactions.AddInteraction(c.Request.Context(), postID, interactionComment, user); err != nil {
		abortError(c, err)
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventCommentCreated{
		PostID:        postID,
		PostOwnerID:   req.OwnerID,
		CommenterID:   user,
		CommenterName: req.CommenterName,
	})

	c.Status(http.StatusNoContent)
}

type writeMessageRequest struct {
	WriterName     string `json:"writer_name"`
	MessageID      int64  `json:"message_id" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (a *API) WriteMessage(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}
	paperOwner, ok := subjectParam(c)
	if !ok {
		return
	}

	var req writeMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.interactions.AddInteraction(c.Request.Context(), paperOwner, interactionMessage, user); err != nil {
		abortError(c, err)
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventMessageWritten{
		PaperOwnerID:   paperOwner,
		WriterID:       user,
		WriterName:     req.WriterName,
		MessageID:      req.MessageID,
		IdempotencyKey: req.IdempotencyKey,
	})

	c.Status(http.StatusNoContent)
}

func (a *API) DeleteMessage(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}
	paperOwner, ok := subjectParam(c)
	if !ok {
		return
	}
	messageID, err := strconv.ParseInt(c.Param("mid"), 10, 64)
	if err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.interactions.RemoveInteraction(c.Request.Context(), paperOwner, interactionMessage, user); err != nil {
		abortError(c, err)
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventMessageDeleted{
		PaperOwnerID: paperOwner,
		MessageID:    messageID,
	})

	c.Status(http.StatusNoContent)
}

func (a *API) VisitPaper(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}
	paperOwner, ok := subjectParam(c)
	if !ok {
		return
	}

	if err := a.interactions.AddInteraction(c.Request.Context(), paperOwner, interactionVisit, user); err != nil {
		abortError(c, err)
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventPaperVisited{
		PaperOwnerID: paperOwner,
		VisitorID:    user,
	})

	c.Status(http.StatusNoContent)
}

func (a *API) GetLeaderboard(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	ids, err := a.rank.GetLeaderboard(c.Request.Context(), rank.GetLeaderboardRequest{
		Category: domain.Category(c.Param("category")),
		Page:     page,
		Size:     size,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"category": c.Param("category"),
		"subjects": ids,
	})
}

func (a *API) ListNotifications(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	ns, err := a.notify.List(c.Request.Context(), notify.ListRequest{
		UserID: user,
		Page:   page,
		Size:   size,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": ns})
}

type batchIDsRequest struct {
	IDs []int64 `json:"ids" binding:"required"`
}

func (a *API) ReadNotifications(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}

	var req batchIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.notify.MarkRead(c.Request.Context(), notify.BatchRequest{UserID: user, IDs: req.IDs}); err != nil {
		abortError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) DeleteNotifications(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}

	var req batchIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.notify.Delete(c.Request.Context(), notify.BatchRequest{UserID: user, IDs: req.IDs}); err != nil {
		abortError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type pushTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (a *API) RegisterPushToken(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}

	var req pushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.notify.RegisterPushTarget(c.Request.Context(), user, req.Token); err != nil {
		abortError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) ClearPushTokens(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}

	if err := a.notify.ClearPushTargets(c.Request.Context(), user); err != nil {
		abortError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type reportRequest struct {
	ReportID   int64  `json:"report_id" binding:"required"`
	TargetType string `json:"target_type" binding:"required"`
	Detail     string `json:"detail"`
}

// SubmitReport publishes the report event after the report row was written
// by the (excluded) report service.
func (a *API) SubmitReport(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}

	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventReportSubmitted{
		ReportID:   req.ReportID,
		ReporterID: user,
		TargetType: req.TargetType,
		Detail:     req.Detail,
	})

	c.Status(http.StatusAccepted)
}

type logoutRequest struct {
	All bool `json:"all"`
}

func (a *API) Logout(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}

	var req logoutRequest
	_ = c.ShouldBindJSON(&req)

	a.eb.Publish(c.Request.Context(), domain.EventUserLoggedOut{
		UserID:    user,
		SessionID: c.GetHeader(headerSessionID),
		All:       req.All,
	})

	c.Status(http.StatusNoContent)
}

func (a *API) Withdraw(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventUserWithdrawn{
		UserID: user,
	})

	c.Status(http.StatusNoContent)
}
