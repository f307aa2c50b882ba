package pipeline

import (
	"sync/atomic"
	"time"
)

// Stats counts iteration outcomes
type Stats struct {
	State           State      `json:"state"`
	Iterations      uint64     `json:"iterations"`
	FramesRead      uint64     `json:"frames_read"`
	ReadFailures    uint64     `json:"read_failures"`
	ConvertFailures uint64     `json:"convert_failures"`
	NoFace          uint64     `json:"no_face"`
	DetectFailures  uint64     `json:"detect_failures"`
	InvalidClouds   uint64     `json:"invalid_clouds"`
	ComputeFailures uint64     `json:"compute_failures"`
	MarshalFailures uint64     `json:"marshal_failures"`
	Sent            uint64     `json:"sent"`
	SendFailures    uint64     `json:"send_failures"`
	LastSentAt      *time.Time `json:"last_sent_at,omitempty"`
}

type counters struct {
	iterations      atomic.Uint64
	framesRead      atomic.Uint64
	readFailures    atomic.Uint64
	convertFailures atomic.Uint64
	noFace          atomic.Uint64
	detectFailures  atomic.Uint64
	invalidClouds   atomic.Uint64
	computeFailures atomic.Uint64
	marshalFailures atomic.Uint64
	sent            atomic.Uint64
	sendFailures    atomic.Uint64
	lastSentAt      atomic.Int64
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Iterations:      c.iterations.Load(),
		FramesRead:      c.framesRead.Load(),
		ReadFailures:    c.readFailures.Load(),
		ConvertFailures: c.convertFailures.Load(),
		NoFace:          c.noFace.Load(),
		DetectFailures:  c.detectFailures.Load(),
		InvalidClouds:   c.invalidClouds.Load(),
		ComputeFailures: c.computeFailures.Load(),
		MarshalFailures: c.marshalFailures.Load(),
		Sent:            c.sent.Load(),
		SendFailures:    c.sendFailures.Load(),
	}
	if ns := c.lastSentAt.Load(); ns != 0 {
		t := time.Unix(0, ns)
		s.LastSentAt = &t
	}
	return s
}

// failed counts a skipped iteration against the step that failed
func (c *counters) failed(s step) {
	switch s {
	case stepRead:
		c.readFailures.Add(1)
	case stepConvert:
		c.convertFailures.Add(1)
	case stepDetect:
		c.detectFailures.Add(1)
	case stepValidate:
		c.invalidClouds.Add(1)
	case stepCompute:
		c.computeFailures.Add(1)
	case stepMarshal:
		c.marshalFailures.Add(1)
	case stepSend:
		c.sendFailures.Add(1)
	}
}
