package extract

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/chargescope/chargescope/internal/catalog"
	"github.com/chargescope/chargescope/internal/httpfetch"
)

// Registry resolves which extractor handles a hospital record. Lookup
// priority: explicit extractor name, CCN override, URL provider pattern,
// IDN label, file extension. A nil result is a valid outcome: the
// hospital is reported skipped with reason "no extractor".
type Registry struct {
	client *httpfetch.Client
	log    *zap.SugaredLogger

	csv  *CSV
	json *JSON
	xlsx *XLSX
	zip  *ZIP

	ccnOverrides map[string]Extractor
}

func NewRegistry(client *httpfetch.Client, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		client:       client,
		log:          log,
		csv:          &CSV{Client: client, Log: log},
		json:         &JSON{Client: client, Log: log},
		xlsx:         &XLSX{Client: client, Log: log},
		zip:          &ZIP{Client: client, Log: log},
		ccnOverrides: map[string]Extractor{},
	}
}

// RegisterCCN installs a per-hospital override. Empty by default;
// reserved for hospitals whose files defeat every generic path.
func (r *Registry) RegisterCCN(ccn string, ex Extractor) {
	r.ccnOverrides[strings.ToUpper(strings.TrimSpace(ccn))] = ex
}

type urlRule struct {
	pattern   string
	extractor string
	re        *regexp.Regexp // non-nil for regex rules
}

func rule(pattern, extractor string) urlRule { return urlRule{pattern: pattern, extractor: extractor} }
func reRule(pattern, extractor string) urlRule {
	return urlRule{pattern: pattern, extractor: extractor, re: regexp.MustCompile(pattern)}
}

// urlRules route known transparency vendors. Checked in order against the
// lowercased URL; first match wins.
var urlRules = []urlRule{
	reRule(`claraprice\.net.*machine-readable`, "json"),
	reRule(`craneware\.com/api-pricing-transparency`, "csv"), // serves CSV, not JSON
	rule("sthpiprd.blob.core.windows.net", "csv"),
	rule("pricetransparency.accureg.net", "csv"),
	rule("uhsfilecdn.eskycity.net", "csv"),
	rule("encompasshealth.com", "csv"),
	rule("edge.sitecorecloud.io/encompasshee", "csv"),
	rule("resources.selectmedical.com", "csv"),
	rule("panaceainc.com", "zip"),
	reRule(`sun(behavioral|delaware)\.com.*\.xlsx`, "xlsx"),
	rule("www.hcadam.com/api/public/content", "json"),
	rule("machine-readable-files.com", "csv"),
	reRule(`centaurihs\.com/ptapp/api/cdm/export`, "csv"),
	rule("res.cloudinary.com/dpmykpsih", "csv"),
	rule("apps.para-hcfs.com", "csv"),
	rule("hospitalpricedisclosure.com", "json"), // JSON despite the .aspx extension
	rule("drive.google.com", "csv"),
}

// idnRules route catalog rows that carry a health-system label.
var idnRules = map[string]string{
	"Covenant Health":    "json", // Hyve platform, CMS v2 JSON
	"Memorial":           "json",
	"Tennova Healthcare": "csv",
	"Parkridge":          "json",
	"Mission Health":     "json",
}

// Select returns the extractor for h, or nil when none applies.
func (r *Registry) Select(h *catalog.Hospital) Extractor {
	// 1. Explicit extractor name on the record.
	if h.Extractor != "" {
		if ex := r.byName(h.Extractor); ex != nil {
			return ex
		}
		r.log.Warnw("unknown extractor name on record", "ccn", h.CCN, "extractor", h.Extractor)
	}

	// 2. Per-CCN override.
	if ex, ok := r.ccnOverrides[h.CCN]; ok {
		return ex
	}

	// 3. URL provider patterns.
	lower := strings.ToLower(h.FileURL)
	for _, rl := range urlRules {
		if rl.re != nil {
			if rl.re.MatchString(lower) {
				return r.byName(rl.extractor)
			}
		} else if strings.Contains(lower, rl.pattern) {
			return r.byName(rl.extractor)
		}
	}

	// 4. IDN label.
	if h.IDN != "" {
		if name, ok := idnRules[h.IDN]; ok {
			return r.byName(name)
		}
	}

	// 5. Format hint, then file extension. XML has no extractor.
	if ex := r.byName(h.Format); ex != nil {
		return ex
	}
	return r.byName(formatFromExtension(h.FileURL))
}

func (r *Registry) byName(name string) Extractor {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "csv":
		return r.csv
	case "json":
		return r.json
	case "xlsx":
		return r.xlsx
	case "zip":
		return r.zip
	}
	return nil
}

// formatFromExtension maps a URL's path extension to an extractor name.
// Unknown and unsupported (.xml) extensions return "".
func formatFromExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	p := strings.ToLower(rawURL)
	if err == nil {
		p = strings.ToLower(u.Path)
	}
	switch path.Ext(p) {
	case ".json":
		return "json"
	case ".csv":
		return "csv"
	case ".xlsx", ".xls":
		return "xlsx"
	case ".zip":
		return "zip"
	}
	// Extension-less MRF endpoints are almost always JSON.
	if strings.Contains(p, ".json") {
		return "json"
	}
	if strings.Contains(p, ".csv") {
		return "csv"
	}
	return ""
}
