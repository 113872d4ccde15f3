// Package parser turns rendered HTML into the script inventory the
// detectors work on.
package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"tagaudit/internal/pkg/types"
)

// Parses HTML into a DocumentModel. Never fails: malformed markup is
// recovered the way a browser would, and unreadable input yields an
// empty model.
func Parse(content string) *types.DocumentModel {
	model := &types.DocumentModel{Scripts: []types.ScriptElement{}}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return model
	}

	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		src, hasSrc := sel.Attr("src")
		model.Scripts = append(model.Scripts, types.ScriptElement{
			Content:  strings.TrimSpace(sel.Text()),
			Src:      strings.TrimSpace(src),
			HasSrc:   hasSrc,
			Location: locate(sel),
		})
	})

	return model
}

// Same as Parse, but gives up once ctx is done. A panic while parsing
// yields an empty model.
func ParseContext(ctx context.Context, content string) (*types.DocumentModel, error) {
	done := make(chan *types.DocumentModel, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &types.DocumentModel{Scripts: []types.ScriptElement{}}
			}
		}()
		done <- Parse(content)
	}()

	select {
	case model := <-done:
		return model, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("parsing aborted: %w", ctx.Err())
	}
}

// Finds the nearest head or body ancestor of a script element.
func locate(sel *goquery.Selection) types.Location {
	for _, node := range sel.Nodes {
		for parent := node.Parent; parent != nil; parent = parent.Parent {
			if parent.Type != html.ElementNode {
				continue
			}
			switch parent.Data {
			case "head":
				return types.LocationHead
			case "body":
				return types.LocationBody
			}
		}
	}
	return types.LocationOther
}
