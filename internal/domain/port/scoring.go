package port

import "context"

// Prediction is one classifier verdict for a single frame.
type Prediction struct {
	Probability  float64
	ModelVersion string
}

// ScoreOracle scores one grayscale frame through the external classifier.
// Callers treat any error as probability 0 rather than aborting ingestion.
type ScoreOracle interface {
	Predict(ctx context.Context, frame []byte) (Prediction, error)
}
