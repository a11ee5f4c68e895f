package pipeline

// FrameBroadcaster publishes annotated frames of a job to passive viewers
type FrameBroadcaster interface {
	SetFrame(jobID string, jpeg []byte)
	EndJob(jobID string)
}

// jobStarter is implemented by broadcasters that prepare a stream before the
// first frame
type jobStarter interface {
	Start(jobID string)
}

// StreamingBridge forwards driver events to frame broadcasters
type StreamingBridge struct {
	providers []FrameBroadcaster
}

// NewStreamingBridge creates a new streaming bridge
func NewStreamingBridge(providers ...FrameBroadcaster) *StreamingBridge {
	return &StreamingBridge{
		providers: providers,
	}
}

// OnEvent implements EventHandler
func (b *StreamingBridge) OnEvent(event *Event) {
	if event == nil {
		return
	}

	for _, provider := range b.providers {
		if provider == nil {
			continue
		}
		switch event.Type {
		case EventStarted:
			if starter, ok := provider.(jobStarter); ok {
				starter.Start(event.JobID)
			}
		case EventFrame:
			if len(event.Image) > 0 {
				provider.SetFrame(event.JobID, event.Image)
			}
		case EventCompleted, EventFailed:
			provider.EndJob(event.JobID)
		}
	}
}

// Ensure StreamingBridge implements EventHandler
var _ EventHandler = (*StreamingBridge)(nil)
