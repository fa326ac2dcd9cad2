package ws

import (
	"encoding/base64"
	"time"

	"watchpost/internal/pipeline"
)

// Message types sent to dashboard clients
const (
	TypeTick   = "tick"
	TypeStatus = "status"
	TypeAlarm  = "alarm"
)

// TickMessage summarizes one processed frame
type TickMessage struct {
	Type         string                     `json:"type"` // "tick"
	Timestamp    time.Time                  `json:"timestamp"`
	FrameCounter uint64                     `json:"frame_counter"`
	FPS          float64                    `json:"fps"`
	Detections   []pipeline.Detection       `json:"detections"`
	Faces        []pipeline.FaceObservation `json:"faces"`
	Threats      []string                   `json:"threats"`
	Suspect      string                     `json:"suspect,omitempty"`
	AlarmActive  bool                       `json:"alarm_active"`
	Event        *EventSummary              `json:"event,omitempty"`
	Frame        string                     `json:"frame,omitempty"` // Base64 encoded annotated JPEG
}

// EventSummary is the persisted alert created on this tick
type EventSummary struct {
	ID            string  `json:"id"`
	Time          string  `json:"time"`
	ThreatSummary string  `json:"threat_summary"`
	Confidence    float64 `json:"confidence"`
	Notified      bool    `json:"notified"`
}

// StatusMessage reports a session transition
type StatusMessage struct {
	Type      string                 `json:"type"` // "status"
	Status    pipeline.SessionStatus `json:"status"`
	Reason    string                 `json:"reason,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AlarmMessage starts or silences the browser siren
type AlarmMessage struct {
	Type      string    `json:"type"`  // "alarm"
	State     string    `json:"state"` // "on" or "off"
	Threat    string    `json:"threat,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTickMessage builds the message for a tick event; withFrame embeds the annotated JPEG
func NewTickMessage(ev *pipeline.TickEvent, withFrame bool) *TickMessage {
	res := ev.Result
	msg := &TickMessage{
		Type:         TypeTick,
		Timestamp:    ev.Timestamp,
		FrameCounter: res.FrameCounter,
		FPS:          res.FPS,
		Detections:   res.Detections,
		Faces:        res.Faces,
		Threats:      res.Threats,
		AlarmActive:  res.AlarmActive,
	}
	if msg.Detections == nil {
		msg.Detections = make([]pipeline.Detection, 0)
	}
	if msg.Faces == nil {
		msg.Faces = make([]pipeline.FaceObservation, 0)
	}
	if msg.Threats == nil {
		msg.Threats = make([]string, 0)
	}
	if res.WeaponPresent {
		msg.Suspect = res.Suspect
	}
	if res.Event != nil {
		msg.Event = &EventSummary{
			ID:            res.Event.ID,
			Time:          res.Event.FormattedTime(),
			ThreatSummary: res.Event.ThreatSummary,
			Confidence:    res.Event.Confidence,
			Notified:      res.Notified,
		}
	}
	if withFrame && len(ev.Frame) > 0 {
		msg.Frame = base64.StdEncoding.EncodeToString(ev.Frame)
	}
	return msg
}

// NewStatusMessage creates a session status message
func NewStatusMessage(ev *pipeline.TickEvent) *StatusMessage {
	return &StatusMessage{
		Type:      TypeStatus,
		Status:    ev.Status,
		Reason:    ev.Reason,
		Timestamp: ev.Timestamp,
	}
}

// NewAlarmMessage creates an alarm message
func NewAlarmMessage(state, threat string) *AlarmMessage {
	return &AlarmMessage{
		Type:      TypeAlarm,
		State:     state,
		Threat:    threat,
		Timestamp: time.Now(),
	}
}
