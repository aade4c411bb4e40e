package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/chargescope/chargescope/internal/archive"
	"github.com/chargescope/chargescope/internal/catalog"
	"github.com/chargescope/chargescope/internal/fault"
	"github.com/chargescope/chargescope/internal/httpfetch"
)

// XLSX is a decoder in front of the CSV extractor, not a peer: it turns
// the first worksheet into CSV text and delegates everything else.
type XLSX struct {
	Client *httpfetch.Client
	Log    *zap.SugaredLogger
}

func (e *XLSX) Name() string { return "xlsx" }

func (e *XLSX) Extract(ctx context.Context, h *catalog.Hospital) ([]Row, error) {
	res, err := e.Client.Get(ctx, h.FileURL)
	if err != nil {
		return nil, err
	}
	return e.parseBytes(res.Body, h)
}

func (e *XLSX) parseBytes(body []byte, h *catalog.Hospital) ([]Row, error) {
	csvExtractor := &CSV{Client: e.Client, Log: e.Log}

	// CSVs served under .xlsx names are common enough to deserve a
	// short-circuit.
	if archive.IsCSVMasqueradingAsXLSX(body) {
		e.log().Infow("xlsx url serves csv", "ccn", h.CCN)
		text, _ := archive.DecodeText(body)
		return csvExtractor.parseText(text, h)
	}
	if archive.LooksLikeHTML(body) {
		return nil, fault.New(fault.KindHTMLInsteadOfData, "server returned HTML instead of xlsx")
	}

	wb, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindParserError, err, "opening workbook")
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, fault.New(fault.KindParserError, "workbook has no sheets")
	}
	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, fault.Wrap(fault.KindParserError, err, "reading sheet %s", sheets[0])
	}

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, fault.Wrap(fault.KindParserError, err, "serializing sheet")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fault.Wrap(fault.KindParserError, err, "serializing sheet")
	}
	return csvExtractor.parseText(buf.String(), h)
}

func (e *XLSX) log() *zap.SugaredLogger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop().Sugar()
}
