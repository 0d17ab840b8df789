package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/3leaps/creupload/pkg/demux"
	"github.com/3leaps/creupload/pkg/provider"
	"github.com/3leaps/creupload/pkg/upload"
)

// ArchiveSuffix ends every archived participant report name.
const ArchiveSuffix = "-formatted.csv"

// Archive stores rendered participant reports through a provider.
type Archive struct {
	Putter provider.ObjectPutter

	// Prefix is prepended to every key. Empty or ending in "/".
	Prefix string
}

// NewArchive returns an archive writing under prefix, or an error when p
// cannot write objects.
func NewArchive(p provider.Provider, prefix string) (*Archive, error) {
	putter, ok := p.(provider.ObjectPutter)
	if !ok {
		return nil, fmt.Errorf("provider %T cannot write objects", p)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archive{Putter: putter, Prefix: prefix}, nil
}

// Key returns the archive key for part: `<eid>_<date>-formatted.csv`.
func (a *Archive) Key(part *demux.Participant) string {
	return a.Prefix + part.FileStem() + ArchiveSuffix
}

// Put renders part in the upload layout and stores it. It returns the key.
func (a *Archive) Put(ctx context.Context, part *demux.Participant) (string, error) {
	content, err := upload.Render(part)
	if err != nil {
		return "", err
	}
	key := a.Key(part)
	if err := a.Putter.PutObject(ctx, key, bytes.NewReader(content), int64(len(content))); err != nil {
		return "", err
	}
	return key, nil
}
