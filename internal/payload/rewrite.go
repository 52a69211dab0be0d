// Package payload enforces the fixed model and generation options on
// inbound Ollama request bodies.
//
// Rewriting works on the raw JSON bytes: gjson walks the members, sjson sets
// keys. Fields the policy does not touch keep their original encoding and
// relative order, so large integers survive the round trip.
package payload

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// GenerationOptions are the keys forced into the "options" object.
type GenerationOptions struct {
	NumCtx     int
	NumPredict int
	NumThread  int
	NumGPU     int
	NumBatch   int
}

// fields returns the options as ordered (key, value) pairs.
func (o GenerationOptions) fields() []struct {
	key string
	val int
} {
	return []struct {
		key string
		val int
	}{
		{"num_ctx", o.NumCtx},
		{"num_predict", o.NumPredict},
		{"num_thread", o.NumThread},
		{"num_gpu", o.NumGPU},
		{"num_batch", o.NumBatch},
	}
}

// Policy is the upstream contract applied to every request body.
type Policy struct {
	Model   string
	Options GenerationOptions
	// FallbackNumCtx is written to the top-level "num_ctx" for servers
	// that read it outside "options".
	FallbackNumCtx int
}

// Rewritten is the result of applying a Policy to an inbound body.
type Rewritten struct {
	Body []byte
	// RequestedModel is the "model" the caller sent, empty if none.
	RequestedModel string
	// Discarded is true when a non-empty inbound body was not a JSON
	// object and was replaced by an empty one.
	Discarded bool
}

// Rewrite applies the policy to raw. It never fails on caller input: an
// absent, malformed or non-object body is treated as "{}". An error is only
// returned if sjson cannot set a key, which indicates a bug.
//
// The upstream decodes with encoding/json, which matches struct fields
// case-insensitively and lets the last duplicate key win. So every member
// that could decode as "model", "options" or "num_ctx" is dropped before the
// policy values are set, and duplicated "options" objects are merged in
// order the way encoding/json merges them into one map.
func (p Policy) Rewrite(raw []byte) (Rewritten, error) {
	var out Rewritten

	root := gjson.ParseBytes(raw)
	if !isObject(raw) {
		out.Discarded = len(bytes.TrimSpace(raw)) > 0
		root = gjson.Parse("{}")
	}

	var kept, opts bytes.Buffer
	root.ForEach(func(k, v gjson.Result) bool {
		switch name := k.String(); {
		case strings.EqualFold(name, "model"):
			out.RequestedModel = ""
			if v.Type == gjson.String {
				out.RequestedModel = v.String()
			}
		case strings.EqualFold(name, "options"):
			if !v.IsObject() {
				opts.Reset()
				return true
			}
			v.ForEach(func(ok, ov gjson.Result) bool {
				if !p.Options.owns(ok.String()) {
					appendMember(&opts, ok.Raw, ov.Raw)
				}
				return true
			})
		case strings.EqualFold(name, "num_ctx"):
		default:
			appendMember(&kept, k.Raw, v.Raw)
		}
		return true
	})

	body := wrapObject(kept.Bytes())

	var err error
	if body, err = sjson.SetBytes(body, "model", p.Model); err != nil {
		return out, fmt.Errorf("set model: %w", err)
	}
	if body, err = sjson.SetRawBytes(body, "options", wrapObject(opts.Bytes())); err != nil {
		return out, fmt.Errorf("init options: %w", err)
	}
	for _, f := range p.Options.fields() {
		if body, err = sjson.SetBytes(body, "options."+f.key, f.val); err != nil {
			return out, fmt.Errorf("set options.%s: %w", f.key, err)
		}
	}

	if body, err = sjson.SetBytes(body, "num_ctx", p.FallbackNumCtx); err != nil {
		return out, fmt.Errorf("set num_ctx: %w", err)
	}

	out.Body = body
	return out, nil
}

// owns reports whether key is one of the forced option keys. Options decode
// into a map upstream, so the match is exact.
func (o GenerationOptions) owns(key string) bool {
	for _, f := range o.fields() {
		if f.key == key {
			return true
		}
	}
	return false
}

// appendMember writes `key:value` to buf, comma-separated from earlier members.
func appendMember(buf *bytes.Buffer, key, value string) {
	if buf.Len() > 0 {
		buf.WriteByte(',')
	}
	buf.WriteString(key)
	buf.WriteByte(':')
	buf.WriteString(value)
}

func wrapObject(members []byte) []byte {
	obj := make([]byte, 0, len(members)+2)
	obj = append(obj, '{')
	obj = append(obj, members...)
	return append(obj, '}')
}

// isObject reports whether raw is a syntactically valid JSON object.
func isObject(raw []byte) bool {
	return gjson.ValidBytes(raw) && gjson.ParseBytes(raw).IsObject()
}
