package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileEpisodeSource reads episode transcripts from the working directory
// layout produced by the fetch tooling: <root>/episodes/<id>/transcript.txt.
type FileEpisodeSource struct {
	root string
}

func NewFileEpisodeSource(root string) *FileEpisodeSource {
	return &FileEpisodeSource{root: root}
}

func (s *FileEpisodeSource) GetTranscript(_ context.Context, episodeID int64) (string, error) {
	path := filepath.Join(s.root, "episodes", fmt.Sprintf("%d", episodeID), "transcript.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "read transcript for episode %d", episodeID)
	}
	return string(data), nil
}
