package playlist

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/metrics"
)

// xmltvTimeLayout is the timestamp format XMLTV consumers expect.
const xmltvTimeLayout = "20060102150405 -0700"

// BuildXMLTV renders the programme guide: one <channel> element per
// registered channel followed by one <programme> element per event, with
// start/stop rendered in the configured timezone. Events registered without
// a schedule are given a slot ending at the channel's expiry so players
// still show something sensible.
//
// Returns:
//   - string: complete XMLTV document
func (b *Builder) BuildXMLTV() string {
	loc := b.cfg.Location()
	snapshot := b.reg.Snapshot()

	var doc strings.Builder
	doc.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	doc.WriteString(`<tv generator-info-name="redcarrd">` + "\n")

	for _, ch := range snapshot {
		ch.Mu.RLock()
		id := ch.ID
		title := ch.Title
		ch.Mu.RUnlock()

		doc.WriteString("  <channel id=\"" + xmlEscape(id) + "\">\n")
		doc.WriteString("    <display-name>" + xmlEscape(title) + "</display-name>\n")
		doc.WriteString("  </channel>\n")
	}

	for _, ch := range snapshot {
		ch.Mu.RLock()
		id := ch.ID
		title := ch.Title
		category := ch.Category
		start := ch.StartTime
		stop := ch.ExpiresAt
		ch.Mu.RUnlock()

		if start.IsZero() {
			start = stop.Add(-b.cfg.ChannelLifetime)
		}

		doc.WriteString(fmt.Sprintf("  <programme start=\"%s\" stop=\"%s\" channel=\"%s\">\n",
			start.In(loc).Format(xmltvTimeLayout),
			stop.In(loc).Format(xmltvTimeLayout),
			xmlEscape(id)))
		doc.WriteString("    <title>" + xmlEscape(title) + "</title>\n")
		if category != "" {
			doc.WriteString("    <category>" + xmlEscape(category) + "</category>\n")
		}
		doc.WriteString("  </programme>\n")
	}

	doc.WriteString("</tv>\n")

	logger.Debug("{playlist/epg - BuildXMLTV} generated guide for %d channels (%d bytes)", len(snapshot), doc.Len())
	return doc.String()
}

// ServeEPG handles GET /epg.xml. The registry is populated at reconcile
// time, before hydration, so the guide is served even while streams are
// still resolving.
func (b *Builder) ServeEPG(w http.ResponseWriter, r *http.Request) {
	if b.cfg.CacheEnabled {
		if cached, ok := b.epg.Get(); ok {
			metrics.DocumentRequests.WithLabelValues("epg", "cached").Inc()
			writeXMLTV(w, cached)
			return
		}
	}

	result := b.BuildXMLTV()
	if b.cfg.CacheEnabled {
		b.epg.Set(result)
	}
	metrics.DocumentRequests.WithLabelValues("epg", "built").Inc()
	writeXMLTV(w, result)
}

func writeXMLTV(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(body))
}

// xmlEscape escapes XML special characters in element text and attribute
// values.
func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
