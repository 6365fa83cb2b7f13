package document

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/source"
)

// fingerprintBytes is how much of the file is hashed when the trailer has
// no usable /ID.
const fingerprintBytes = 1024

var emptyID = make([]byte, 16)

// Fingerprint identifies the document: the hex of the first /ID string,
// or the MD5 of the first kilobyte when the ID is absent or all zeros.
func (d *Document) Fingerprint(ctx context.Context) (string, error) {
	d.mu.Lock()
	fp := d.fingerprint
	d.mu.Unlock()
	if fp != "" {
		return fp, nil
	}

	var hash []byte
	if ids, ok := d.store.Trailer().GetArray("ID"); ok && len(ids) > 0 {
		if id, ok := ids[0].(core.String); ok && len(id) > 0 && !bytes.Equal([]byte(id), emptyID) {
			hash = []byte(id)
		}
	}
	if hash == nil {
		src := d.store.Source()
		n := int64(fingerprintBytes)
		if n > src.Length() {
			n = src.Length()
		}
		head, err := source.Read(ctx, src, 0, n)
		if err != nil {
			return "", err
		}
		sum := md5.Sum(head)
		hash = sum[:]
	}
	fp = hex.EncodeToString(hash)

	d.mu.Lock()
	d.fingerprint = fp
	d.mu.Unlock()
	return fp, nil
}

// Info is the document information dictionary plus facts about the file.
// Standard entries of the wrong type are dropped; other entries of simple
// types are kept under Custom.
type Info struct {
	PDFFormatVersion    string         `json:"PDFFormatVersion"`
	IsLinearized        bool           `json:"IsLinearized"`
	IsAcroFormPresent   bool           `json:"IsAcroFormPresent"`
	IsXFAPresent        bool           `json:"IsXFAPresent"`
	IsCollectionPresent bool           `json:"IsCollectionPresent"`
	Title               string         `json:"Title,omitempty"`
	Author              string         `json:"Author,omitempty"`
	Subject             string         `json:"Subject,omitempty"`
	Keywords            string         `json:"Keywords,omitempty"`
	Creator             string         `json:"Creator,omitempty"`
	Producer            string         `json:"Producer,omitempty"`
	CreationDate        string         `json:"CreationDate,omitempty"`
	ModDate             string         `json:"ModDate,omitempty"`
	Trapped             string         `json:"Trapped,omitempty"`
	Custom              map[string]any `json:"Custom,omitempty"`
}

// Info reads the document information.
func (d *Document) Info(ctx context.Context) (Info, error) {
	d.mu.Lock()
	info := Info{
		PDFFormatVersion:    d.version,
		IsLinearized:        d.lin != nil,
		IsAcroFormPresent:   d.acroForm,
		IsXFAPresent:        d.xfa,
		IsCollectionPresent: d.collection,
	}
	d.mu.Unlock()

	dict, err := Ensure(ctx, d, d.store.Info)
	if err != nil {
		if core.IsMissingData(err) || ctx.Err() != nil {
			return info, err
		}
		d.logger.Info("document information dictionary is invalid", zap.Error(err))
		return info, nil
	}

	standard := map[string]*string{
		"Title": &info.Title, "Author": &info.Author, "Subject": &info.Subject,
		"Keywords": &info.Keywords, "Creator": &info.Creator, "Producer": &info.Producer,
		"CreationDate": &info.CreationDate, "ModDate": &info.ModDate,
	}
	for key, raw := range dict {
		value, err := Ensure(ctx, d, func() (core.Object, error) { return d.store.FetchIfRef(raw) })
		if err != nil {
			return info, err
		}
		if field, ok := standard[key]; ok {
			if s, ok := value.(core.String); ok {
				*field = core.DecodeText(s)
			} else {
				d.logger.Info("bad value in document info", zap.String("key", key))
			}
			continue
		}
		if key == "Trapped" {
			if n, ok := value.(core.Name); ok {
				info.Trapped = string(n)
			} else {
				d.logger.Info("bad value in document info", zap.String("key", key))
			}
			continue
		}
		var custom any
		switch v := value.(type) {
		case core.String:
			custom = core.DecodeText(v)
		case core.Name:
			custom = string(v)
		case core.Int:
			custom = int64(v)
		case core.Real:
			custom = float64(v)
		case core.Bool:
			custom = bool(v)
		default:
			d.logger.Info("unsupported value in document info", zap.String("key", key))
			continue
		}
		if info.Custom == nil {
			info.Custom = make(map[string]any)
		}
		info.Custom[key] = custom
	}
	return info, nil
}

// Metadata returns the XMP packet of the catalog, or "".
func (d *Document) Metadata(ctx context.Context) (string, error) {
	cat, err := d.requireCatalog()
	if err != nil {
		return "", err
	}
	return Ensure(ctx, d, cat.Metadata)
}

// Stats records which stream filters and font types the document uses.
type Stats struct {
	mu      sync.Mutex
	streams map[string]struct{}
	fonts   map[string]struct{}
}

// StatsSnapshot is the sorted content of Stats.
type StatsSnapshot struct {
	StreamTypes []string `json:"streamTypes"`
	FontTypes   []string `json:"fontTypes"`
}

func (s *Stats) AddStreamType(filter string) {
	s.mu.Lock()
	if s.streams == nil {
		s.streams = make(map[string]struct{})
	}
	s.streams[filter] = struct{}{}
	s.mu.Unlock()
}

func (s *Stats) AddFontType(subtype string) {
	s.mu.Lock()
	if s.fonts == nil {
		s.fonts = make(map[string]struct{})
	}
	s.fonts[subtype] = struct{}{}
	s.mu.Unlock()
}

// Snapshot copies the recorded types.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{StreamTypes: sortedKeys(s.streams), FontTypes: sortedKeys(s.fonts)}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
