package domain

const (
	EventNamePostLiked       = "post.liked"
	EventNamePostUnliked     = "post.unliked"
	EventNameCommentCreated  = "comment.created"
	EventNameMessageWritten  = "message.written"
	EventNameMessageDeleted  = "message.deleted"
	EventNamePaperVisited    = "paper.visited"
	EventNamePostFeatured    = "post.featured"
	EventNameReportSubmitted = "report.submitted"
	EventNameUserLoggedOut   = "user.loggedout"
	EventNameUserWithdrawn   = "user.withdrawn"
)

type EventPostLiked struct {
	PostID      int64
	PostOwnerID int64
	LikerID     int64
	LikerName   string
}

func (EventPostLiked) Name() string { return EventNamePostLiked }

// EventPostUnliked only affects durable counts; the live score is untouched.
type EventPostUnliked struct {
	PostID  int64
	LikerID int64
}

func (EventPostUnliked) Name() string { return EventNamePostUnliked }

type EventCommentCreated struct {
	PostID        int64
	PostOwnerID   int64
	CommenterID   int64
	CommenterName string
}

func (EventCommentCreated) Name() string { return EventNameCommentCreated }

// EventMessageWritten carries an idempotency key because upstream retries may
// deliver it more than once.
type EventMessageWritten struct {
	PaperOwnerID   int64
	WriterID       int64
	WriterName     string
	MessageID      int64
	IdempotencyKey string
}

func (EventMessageWritten) Name() string { return EventNameMessageWritten }

type EventMessageDeleted struct {
	PaperOwnerID int64
	MessageID    int64
}

func (EventMessageDeleted) Name() string { return EventNameMessageDeleted }

type EventPaperVisited struct {
	PaperOwnerID int64
	VisitorID    int64
}

func (EventPaperVisited) Name() string { return EventNamePaperVisited }

// EventPostFeatured is published by the ranking job when a subject newly
// enters the weekly board.
type EventPostFeatured struct {
	PostID   int64
	OwnerID  int64
	Category Category
}

func (EventPostFeatured) Name() string { return EventNamePostFeatured }

type EventReportSubmitted struct {
	ReportID   int64
	ReporterID int64
	TargetType string
	Detail     string
}

func (EventReportSubmitted) Name() string { return EventNameReportSubmitted }

// EventUserLoggedOut closes the session's live stream. All=true means
// logout-all: every stream and every push target of the user goes away.
type EventUserLoggedOut struct {
	UserID    int64
	SessionID string
	All       bool
}

func (EventUserLoggedOut) Name() string { return EventNameUserLoggedOut }

type EventUserWithdrawn struct {
	UserID int64
}

func (EventUserWithdrawn) Name() string { return EventNameUserWithdrawn }
