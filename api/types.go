// Package api defines the wire types exchanged between canvasd clients,
// the relay, and the snapshot stores. The JSON field names are the
// protocol; every transport (websocket, Redis pub/sub, persisted
// documents) carries these shapes verbatim.
package api

// ShapeType enumerates the closed set of drawable variants.
type ShapeType string

const (
	ShapeRectangle ShapeType = "rectangle"
	ShapeEllipse   ShapeType = "ellipse"
	ShapeTriangle  ShapeType = "triangle"
	ShapeText      ShapeType = "text"
	ShapeStar      ShapeType = "star"
	ShapePolygon   ShapeType = "polygon"
	ShapePath      ShapeType = "path"
	ShapeImage     ShapeType = "image"
)

// Shape is a drawable object on a canvas. Lock state travels as ordinary
// fields so that every subscriber observes grants and releases through the
// same mutation stream as geometry edits.
type Shape struct {
	// ID is assigned client-side at creation and never changes.
	ID string `json:"id"`
	// Type selects one of the ShapeType variants.
	Type ShapeType `json:"type"`

	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width,omitempty"`
	Height   float64 `json:"height,omitempty"`
	Rotation float64 `json:"rotation,omitempty"`
	ScaleX   float64 `json:"scaleX,omitempty"`
	ScaleY   float64 `json:"scaleY,omitempty"`

	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Opacity     float64 `json:"opacity,omitempty"`
	ShadowColor string  `json:"shadowColor,omitempty"`
	ShadowBlur  float64 `json:"shadowBlur,omitempty"`
	// ZIndex orders shapes for rendering; container order is meaningless.
	ZIndex int `json:"zIndex"`

	// Text content and font apply to text shapes only.
	Text       string  `json:"text,omitempty"`
	FontFamily string  `json:"fontFamily,omitempty"`
	FontSize   float64 `json:"fontSize,omitempty"`
	// Points is the star point count or polygon side count.
	Points int `json:"points,omitempty"`
	// PathData carries SVG-style path commands for path shapes.
	PathData string `json:"pathData,omitempty"`
	// ImageURL references the bitmap for image shapes.
	ImageURL string `json:"imageURL,omitempty"`

	// LastModifiedBy is the user id of the most recent accepted writer.
	LastModifiedBy string `json:"lastModifiedBy,omitempty"`
	// LastModifiedAt is a Unix timestamp in milliseconds.
	LastModifiedAt int64 `json:"lastModifiedAt,omitempty"`
	// IsLocked is true iff LockedBy is set and the lock has not expired.
	IsLocked bool `json:"isLocked,omitempty"`
	// LockedBy is the user id holding the advisory lock, empty when unlocked.
	LockedBy string `json:"lockedBy,omitempty"`
	// LockedAt is the lock acquisition time as a Unix timestamp in milliseconds.
	LockedAt int64 `json:"lockedAt,omitempty"`
}

// MutationKind tags the variant of a shape mutation.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation is the unit of change propagated on a canvas sync topic.
type Mutation struct {
	// Kind is one of create, update, delete.
	Kind MutationKind `json:"kind"`
	// ShapeID identifies the target shape.
	ShapeID string `json:"shapeId"`
	// Fields carries the full shape object for create and a partial
	// field set (JSON merge patch semantics) for update; absent for delete.
	Fields map[string]any `json:"fields,omitempty"`
	// UserID identifies the originating user.
	UserID string `json:"userId"`
	// Timestamp is the originating client clock in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Presence is the ephemeral per-user record on a canvas presence topic.
// Last write wins per user; records are never persisted.
type Presence struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	// Color is assigned once per session and stays stable for its lifetime.
	Color    string  `json:"color"`
	CursorX  float64 `json:"cursorX"`
	CursorY  float64 `json:"cursorY"`
	IsTyping bool    `json:"isTyping"`
	// LastSeen is the publisher's heartbeat time in Unix milliseconds.
	LastSeen int64 `json:"lastSeen"`
	// Left marks an explicit clean-disconnect removal. Subscribers that
	// never receive it fall back to LastSeen expiry.
	Left bool `json:"left,omitempty"`
}

// ErrorInfo is the wire form of a recoverable failure reported to a
// client, mirroring the engine's failure codes.
type ErrorInfo struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
	// RetryAfter hints (milliseconds) when a contended lock should free up.
	RetryAfter int64 `json:"retryAfter,omitempty"`
}

// Document is the persisted form of a canvas: the full shape list plus
// the time of the last write. Durability belongs to the snapshot store;
// the engine only issues read and write intents.
type Document struct {
	CanvasID    string  `json:"canvasId"`
	Shapes      []Shape `json:"shapes"`
	LastUpdated int64   `json:"lastUpdated"`
}

// Locked reports whether the shape carries an unexpired lock at now
// (milliseconds) given the advisory lock TTL.
func (s *Shape) Locked(nowMillis, ttlMillis int64) bool {
	if s.LockedBy == "" {
		return false
	}
	return s.LockedAt+ttlMillis > nowMillis
}

// HeldBy reports whether userID holds an unexpired lock on the shape.
func (s *Shape) HeldBy(userID string, nowMillis, ttlMillis int64) bool {
	return s.LockedBy == userID && s.Locked(nowMillis, ttlMillis)
}
