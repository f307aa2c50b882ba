package types

// FaceMetrics is the calibrated expression record sent once per processed frame.
//
// Wire shape:
//
//	{"head":{"pitch":..,"yaw":..,"roll":..},   // only with head pose enabled
//	 "mouth":{"open":0..1},
//	 "left_eye":{"open":0..1},
//	 "right_eye":{"open":0..1},
//	 "brow":{"left":-1..1,"right":-1..1},
//	 "meta":{"eye_dist":..}}                   // only when requested
type FaceMetrics struct {
	Head     *HeadPose `json:"head,omitempty"`
	Mouth    Openness  `json:"mouth"`
	LeftEye  Openness  `json:"left_eye"`
	RightEye Openness  `json:"right_eye"`
	Brow     BrowRaise `json:"brow"`
	Meta     *Meta     `json:"meta,omitempty"`
}

// HeadPose angles in degrees. Pitch and yaw are clipped to the calibration's
// max head angle (90 by default); roll is in [-180,180].
type HeadPose struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// Openness in [0,1]
type Openness struct {
	Open float64 `json:"open"`
}

// BrowRaise per side in [-1,1]
type BrowRaise struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// Meta carries raw geometry useful when tuning calibration
type Meta struct {
	EyeDist float64 `json:"eye_dist"`
}
