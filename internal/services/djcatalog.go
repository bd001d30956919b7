// DJ software collection [DJCatalog] implementation.
package services

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ferndale/cratesync/internal/shared"
)

// xmlCollection is the root of the DJ software's collection document.
type xmlCollection struct {
	XMLName xml.Name   `xml:"COLLECTION"`
	Version string     `xml:"Version,attr"`
	Tags    []xmlTag   `xml:"TAGS>TAG"`
	Tracks  []xmlTrack `xml:"TRACKS>TRACK"`
}

type xmlTag struct {
	ID       string `xml:"ID,attr"`
	Category string `xml:"Category,attr"`
	Value    string `xml:"Value,attr"`
}

type xmlTrack struct {
	Ref    string   `xml:"Ref,attr"`
	TagIDs []string `xml:"TAGIDS>ID"`
}

// XMLCatalog implements [DJCatalog] over an XML collection document on disk.
// Every mutation rewrites the document; the DJ software only rereads the file
// between sessions, so write amplification is acceptable.
type XMLCatalog struct {
	mu   sync.Mutex
	path string
	doc  *xmlCollection
}

// NewXMLCatalog opens the collection document at path, creating an empty one
// if the file does not exist yet.
func NewXMLCatalog(path string) (*XMLCatalog, error) {
	c := &XMLCatalog{path: path}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *XMLCatalog) load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		c.doc = &xmlCollection{Version: "1.0"}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read collection: %w", err)
	}

	doc := &xmlCollection{}
	if err := xml.Unmarshal(data, doc); err != nil {
		return fmt.Errorf("%w: malformed collection document: %v", shared.ErrMalformedFile, err)
	}
	c.doc = doc
	return nil
}

// flush writes the document atomically: temp file in the same directory,
// renamed over the original.
func (c *XMLCatalog) flush() error {
	data, err := xml.MarshalIndent(c.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode collection: %w", err)
	}
	data = append([]byte(xml.Header), data...)

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".collection-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write collection: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("failed to replace collection: %w", err)
	}
	return nil
}

// EnsureTag returns the tag for (category, value), creating it if missing.
func (c *XMLCatalog) EnsureTag(_ context.Context, category, value string) (TagRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.doc.Tags {
		if t.Category == category && t.Value == value {
			return TagRef(t.ID), nil
		}
	}

	tag := xmlTag{ID: shared.GenerateID(), Category: category, Value: value}
	c.doc.Tags = append(c.doc.Tags, tag)
	if err := c.flush(); err != nil {
		return "", err
	}
	return TagRef(tag.ID), nil
}

// Link attaches tag to the track record, creating the record if missing.
// Linking an already-linked pair is a no-op.
func (c *XMLCatalog) Link(_ context.Context, trackRef string, tag TagRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tagExists(tag) {
		return fmt.Errorf("%w: unknown tag %s", shared.ErrInvalidArgument, tag)
	}

	track := c.track(trackRef)
	if track == nil {
		c.doc.Tracks = append(c.doc.Tracks, xmlTrack{Ref: trackRef})
		track = &c.doc.Tracks[len(c.doc.Tracks)-1]
	}

	for _, id := range track.TagIDs {
		if id == string(tag) {
			return nil
		}
	}
	track.TagIDs = append(track.TagIDs, string(tag))
	return c.flush()
}

// Unlink detaches tag from the track record. Missing links are a no-op.
func (c *XMLCatalog) Unlink(_ context.Context, trackRef string, tag TagRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	track := c.track(trackRef)
	if track == nil {
		return nil
	}

	for i, id := range track.TagIDs {
		if id == string(tag) {
			track.TagIDs = append(track.TagIDs[:i], track.TagIDs[i+1:]...)
			return c.flush()
		}
	}
	return nil
}

// QueryByTags returns track refs carrying the given tags, combined with ALL
// or ANY semantics. An empty tag list matches nothing.
func (c *XMLCatalog) QueryByTags(_ context.Context, tags []TagRef, mode QueryMode) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(tags) == 0 {
		return nil, nil
	}

	var refs []string
	for _, track := range c.doc.Tracks {
		linked := make(map[string]bool, len(track.TagIDs))
		for _, id := range track.TagIDs {
			linked[id] = true
		}

		matches := 0
		for _, tag := range tags {
			if linked[string(tag)] {
				matches++
			}
		}

		if (mode == MatchAll && matches == len(tags)) || (mode == MatchAny && matches > 0) {
			refs = append(refs, track.Ref)
		}
	}
	return refs, nil
}

func (c *XMLCatalog) tagExists(tag TagRef) bool {
	for _, t := range c.doc.Tags {
		if t.ID == string(tag) {
			return true
		}
	}
	return false
}

func (c *XMLCatalog) track(ref string) *xmlTrack {
	for i := range c.doc.Tracks {
		if c.doc.Tracks[i].Ref == ref {
			return &c.doc.Tracks[i]
		}
	}
	return nil
}
