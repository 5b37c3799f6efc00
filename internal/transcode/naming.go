package transcode

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Options are the resolved encoding parameters for one job.
type Options struct {
	Resolution  Resolution `json:"-"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	BitrateKbps int        `json:"bitrate_kbps"`
	Codec       Codec      `json:"codec"`
	Container   string     `json:"container"`
	// OutputPath is the finalized derivative path.
	OutputPath string `json:"output_path"`
	// TempPath is where the encoder writes until the job succeeds.
	TempPath string `json:"-"`
}

// ResolutionTag returns the tier tag written into the file name, e.g. "1080p".
func (o *Options) ResolutionTag() string {
	return o.Resolution.Tag()
}

// tagSeparator splits a title from any suffix. Everything after the first
// occurrence is dropped so repeated runs never stack tags.
const tagSeparator = " - "

var derivativeRe = regexp.MustCompile(`^(.+) - \[([^\[\]]*)\]\[(\d+)p\]\[(\d+)kbps\]\.([A-Za-z0-9]+)$`)

// BaseName returns the title used to name derivatives of path: the file name
// without extension, cut at the first " - ". The source's bytes are kept as
// they are; compare base names with SameBase.
func BaseName(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if i := strings.Index(name, tagSeparator); i > 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

// SameBase reports whether two base names are the same title once both are
// in Unicode NFC form.
func SameBase(a, b string) bool {
	return a == b || norm.NFC.String(a) == norm.NFC.String(b)
}

// DerivativeFileName builds "<base> - [<sortTag>][<height>p][<bitrate>kbps].<container>".
func DerivativeFileName(base, sortTag string, res Resolution, bitrateKbps int, container string) string {
	return fmt.Sprintf("%s - [%s][%s][%dkbps].%s", base, sortTag, res.Tag(), bitrateKbps, container)
}

// DerivativePaths returns the final and in-progress paths for a derivative of
// sourcePath. The in-progress path carries the policy's hidden extension so
// library scans ignore it until it is renamed.
func DerivativePaths(sourcePath string, p Policy, res Resolution, bitrateKbps int) (final, temp string) {
	name := DerivativeFileName(BaseName(sourcePath), p.SortTag, res, bitrateKbps, p.ContainerOrDefault())
	final = filepath.Join(filepath.Dir(sourcePath), name)
	return final, TempPath(final, p.HiddenExtension)
}

// DefaultHiddenExtension marks in-progress output when a policy sets none.
const DefaultHiddenExtension = "transcoding"

// TempPath appends the hidden extension to a final path.
func TempPath(final, hiddenExt string) string {
	hiddenExt = strings.TrimPrefix(hiddenExt, ".")
	if hiddenExt == "" {
		hiddenExt = DefaultHiddenExtension
	}
	return final + "." + hiddenExt
}

// Derivative is a finalized file whose name carries derivative tags.
type Derivative struct {
	Path        string
	Base        string
	SortTag     string
	Height      int
	BitrateKbps int
	Container   string
}

// Resolution returns the height tag, e.g. "1080p".
func (d Derivative) Resolution() string {
	return strconv.Itoa(d.Height) + "p"
}

// Satisfies reports whether the tags are within the policy's bounds. Tags
// written under an earlier policy still count when they fit the current one.
func (d Derivative) Satisfies(p Policy) bool {
	return d.Height <= p.Tier().Height && d.BitrateKbps <= p.MaxBitrateKbps
}

// ParseDerivative parses a finalized derivative file name. In-progress files
// (with the hidden extension) never parse.
func ParseDerivative(path string) (Derivative, bool) {
	m := derivativeRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return Derivative{}, false
	}
	height, err := strconv.Atoi(m[3])
	if err != nil {
		return Derivative{}, false
	}
	bitrate, err := strconv.Atoi(m[4])
	if err != nil {
		return Derivative{}, false
	}
	return Derivative{
		Path:        path,
		Base:        BaseName(path),
		SortTag:     m[2],
		Height:      height,
		BitrateKbps: bitrate,
		Container:   m[5],
	}, true
}

// IsDerivative reports whether path names a finalized derivative.
func IsDerivative(path string) bool {
	_, ok := ParseDerivative(path)
	return ok
}

// FindDerivatives lists finalized derivatives in dir sharing base, sorted by
// path. A missing directory yields no derivatives.
func FindDerivatives(dir, base string) ([]Derivative, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var found []Derivative
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		d, ok := ParseDerivative(filepath.Join(dir, e.Name()))
		if ok && SameBase(d.Base, base) {
			found = append(found, d)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	return found, nil
}

// SatisfyingDerivative returns a derivative of sourcePath that fits policy,
// ignoring sourcePath itself. preferred is returned when it is among them.
func SatisfyingDerivative(sourcePath string, p Policy, preferred string) (*Derivative, error) {
	found, err := FindDerivatives(filepath.Dir(sourcePath), BaseName(sourcePath))
	if err != nil {
		return nil, err
	}

	var match *Derivative
	for i := range found {
		d := &found[i]
		if d.Path == sourcePath || !d.Satisfies(p) {
			continue
		}
		if d.Path == preferred {
			return d, nil
		}
		if match == nil {
			match = d
		}
	}
	return match, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
