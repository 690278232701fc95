package types

import "time"

// BBox is an axis-aligned box in pixel coordinates: x1, y1, x2, y2.
type BBox [4]float64

// Width returns x2 - x1.
func (b BBox) Width() float64 { return b[2] - b[0] }

// Height returns y2 - y1.
func (b BBox) Height() float64 { return b[3] - b[1] }

// Detection is one raw detector output for a single frame.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// LabelConfidence is the per-detection shape pushed to stream clients.
type LabelConfidence struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ConfirmedEvent is the durable projection of a confirmed detection handed
// to the event sink. The sink owns it after hand-off.
type ConfirmedEvent struct {
	CameraID   *int64    `json:"camera_id,omitempty"`
	UserID     *int64    `json:"user_id,omitempty"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	BBox       BBox      `json:"bbox"`
	ImagePath  string    `json:"image_path,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewConfirmedEvents projects detections into events for a camera/user pair.
func NewConfirmedEvents(dets []Detection, cameraID, userID *int64, at time.Time) []ConfirmedEvent {
	events := make([]ConfirmedEvent, 0, len(dets))
	for _, d := range dets {
		events = append(events, ConfirmedEvent{
			CameraID:   cameraID,
			UserID:     userID,
			Label:      d.Label,
			Confidence: d.Confidence,
			BBox:       d.BBox,
			OccurredAt: at,
		})
	}
	return events
}
