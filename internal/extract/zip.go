package extract

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/chargescope/chargescope/internal/archive"
	"github.com/chargescope/chargescope/internal/catalog"
	"github.com/chargescope/chargescope/internal/fault"
	"github.com/chargescope/chargescope/internal/httpfetch"
)

// ZIP fetches an archive and routes its contents: workbook bytes to the
// XLSX extractor, CSV/JSON members to theirs, and non-ZIP payloads to
// whichever format the leading bytes suggest.
type ZIP struct {
	Client *httpfetch.Client
	Log    *zap.SugaredLogger
}

func (e *ZIP) Name() string { return "zip" }

func (e *ZIP) Extract(ctx context.Context, h *catalog.Hospital) ([]Row, error) {
	res, err := e.Client.Get(ctx, h.FileURL)
	if err != nil {
		return nil, err
	}
	body := res.Body

	kind, err := archive.Classify(body)
	if err != nil {
		return nil, err
	}
	switch kind {
	case archive.ZipKindNone:
		return e.dispatchPlain(body, h)
	case archive.ZipKindXLSX:
		e.log().Infow("zip url serves workbook", "ccn", h.CCN)
		return (&XLSX{Client: e.Client, Log: e.Log}).parseBytes(body, h)
	}

	name, member, err := archive.ExtractDataMember(body)
	if err != nil {
		return nil, err
	}
	e.log().Infow("extracted archive member", "ccn", h.CCN, "member", name)
	if strings.HasSuffix(strings.ToLower(name), ".json") {
		return (&JSON{Client: e.Client, Log: e.Log}).parseBytes(member)
	}
	text, _ := archive.DecodeText(member)
	return (&CSV{Client: e.Client, Log: e.Log}).parseText(text, h)
}

// dispatchPlain handles the archive that never was: servers that answer a
// .zip URL with the bare data file.
func (e *ZIP) dispatchPlain(body []byte, h *catalog.Hospital) ([]Row, error) {
	if archive.LooksLikeHTML(body) {
		return nil, fault.New(fault.KindHTMLInsteadOfData, "server returned HTML instead of zip")
	}
	text, _ := archive.DecodeText(body)
	head := strings.TrimSpace(text)
	if strings.HasPrefix(head, "{") || strings.HasPrefix(head, "[") {
		return (&JSON{Client: e.Client, Log: e.Log}).parseBytes(body)
	}
	return (&CSV{Client: e.Client, Log: e.Log}).parseText(text, h)
}

func (e *ZIP) log() *zap.SugaredLogger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop().Sugar()
}
