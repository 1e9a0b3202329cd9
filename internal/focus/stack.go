package focus

// Data is the score profile of a retained focus stack, saved as
// focus_data.yaml beside the stack images.
type Data struct {
	SchemaVersion int       `yaml:"schema_version"`
	FileType      string    `yaml:"file_type"`
	Z             []float64 `yaml:"z"`
	Scores        []float64 `yaml:"scores"`
	BestIndex     int       `yaml:"best_index"`
}

func NewData(scores []Score) Data {
	d := Data{
		SchemaVersion: 1,
		FileType:      "focus_data",
		Z:             make([]float64, len(scores)),
		Scores:        make([]float64, len(scores)),
	}
	for i, s := range scores {
		d.Z[i] = s.Z
		d.Scores[i] = s.Score
		if s.Score > d.Scores[d.BestIndex] {
			d.BestIndex = i
		}
	}
	return d
}
