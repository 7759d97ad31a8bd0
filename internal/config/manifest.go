package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/DavideF99/Multithread-file-downloader/internal/checksum"
)

// Strategy selects how a dataset's files are fetched.
type Strategy string

const (
	StrategySingle  Strategy = "single_threaded"
	StrategyMulti   Strategy = "multi_file"
	StrategyChunked Strategy = "chunked"
)

// FileSpec is one remote file with the size and digest declared for it.
type FileSpec struct {
	URL      string
	Size     int64
	Checksum string
}

// Source is the validated shape of a dataset's remote content: exactly
// one file, or an ordered list of files fetched side by side. A
// dataset is always one or the other, never both.
type Source interface {
	// Files returns the remote files in manifest order.
	Files() []FileSpec

	sealed()
}

// SingleFile is a dataset served by one URL.
type SingleFile struct {
	File FileSpec
}

func (s SingleFile) Files() []FileSpec { return []FileSpec{s.File} }

func (SingleFile) sealed() {}

// MultiFile is a dataset served by several URLs.
type MultiFile struct {
	Parts []FileSpec
}

func (m MultiFile) Files() []FileSpec { return m.Parts }

func (MultiFile) sealed() {}

// Dataset is one validated manifest entry.
type Dataset struct {
	Name              string
	Source            Source
	ChecksumType      string
	Strategy          Strategy
	ExtractAfter      bool
	ExtractFormat     string
	DestinationFolder string
}

// Manifest is a validated dataset manifest.
type Manifest struct {
	Datasets []Dataset
}

type rawManifest struct {
	Datasets []rawDataset `yaml:"datasets"`
}

// rawDataset mirrors the YAML shape before validation. Pointer fields
// distinguish absent keys from zero values.
type rawDataset struct {
	Name                 string   `yaml:"name"`
	URL                  *string  `yaml:"url"`
	URLs                 []string `yaml:"urls"`
	FileSize             *int64   `yaml:"file_size"`
	FileSizes            []int64  `yaml:"file_sizes"`
	Checksum             *string  `yaml:"checksum"`
	Checksums            []string `yaml:"checksums"`
	ChecksumType         string   `yaml:"checksum_type"`
	DownloadStrategy     string   `yaml:"download_strategy"`
	ExtractAfterDownload bool     `yaml:"extract_after_download"`
	ExtractFormat        string   `yaml:"extract_format"`
	DestinationFolder    *string  `yaml:"destination_folder"`
}

var (
	md5Hex    = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)
	sha256Hex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// LoadManifest reads and validates a YAML dataset manifest. Any
// invalid dataset fails the whole load; a manifest is either fully
// usable or rejected.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	if raw.Datasets == nil {
		return nil, fmt.Errorf("manifest %s must contain a 'datasets' list", path)
	}

	m := &Manifest{Datasets: make([]Dataset, 0, len(raw.Datasets))}

	for _, rd := range raw.Datasets {
		ds, err := rd.validate()
		if err != nil {
			return nil, err
		}

		m.Datasets = append(m.Datasets, ds)
	}

	return m, nil
}

// Filter returns the datasets whose names appear in keep, in manifest
// order. An empty keep list selects everything.
func (m *Manifest) Filter(keep []string) []Dataset {
	if len(keep) == 0 {
		return m.Datasets
	}

	wanted := make(map[string]bool, len(keep))
	for _, name := range keep {
		wanted[name] = true
	}

	out := make([]Dataset, 0, len(m.Datasets))

	for _, ds := range m.Datasets {
		if wanted[ds.Name] {
			out = append(out, ds)
		}
	}

	return out
}

func (rd rawDataset) validate() (Dataset, error) {
	if strings.TrimSpace(rd.Name) == "" {
		return Dataset{}, errors.New("dataset 'name' must be a non-empty string")
	}

	name := rd.Name

	hasURL := rd.URL != nil
	hasURLs := rd.URLs != nil

	switch {
	case hasURL && hasURLs:
		return Dataset{}, fmt.Errorf("dataset %q cannot have both 'url' and 'urls'", name)
	case !hasURL && !hasURLs:
		return Dataset{}, fmt.Errorf("dataset %q must have either 'url' or 'urls'", name)
	}

	if hasURL {
		if rd.FileSize == nil {
			return Dataset{}, fmt.Errorf("dataset %q missing 'file_size'", name)
		}

		if *rd.FileSize <= 0 {
			return Dataset{}, fmt.Errorf("dataset %q file_size must be a positive integer", name)
		}
	}

	if hasURLs && rd.FileSizes == nil {
		return Dataset{}, fmt.Errorf("dataset %q missing 'file_sizes'", name)
	}

	checksumType := rd.ChecksumType
	if checksumType == "" {
		checksumType = "md5"
	}

	if hasURL {
		if rd.Checksum == nil {
			return Dataset{}, fmt.Errorf("dataset %q missing 'checksum'", name)
		}

		if err := checkDigestFormat(name, *rd.Checksum, checksumType, -1); err != nil {
			return Dataset{}, err
		}
	}

	if hasURLs {
		if rd.Checksums == nil {
			return Dataset{}, fmt.Errorf("dataset %q missing 'checksums'", name)
		}

		for i, sum := range rd.Checksums {
			if err := checkDigestFormat(name, sum, checksumType, i); err != nil {
				return Dataset{}, err
			}
		}
	}

	strategy := Strategy(rd.DownloadStrategy)
	if strategy == "" {
		strategy = StrategySingle
	}

	switch strategy {
	case StrategySingle, StrategyMulti, StrategyChunked:
	default:
		return Dataset{}, fmt.Errorf("dataset %q download_strategy must be one of %q, %q or %q",
			name, StrategySingle, StrategyMulti, StrategyChunked)
	}

	if rd.DestinationFolder == nil {
		return Dataset{}, fmt.Errorf("dataset %q missing 'destination_folder'", name)
	}

	var source Source

	if hasURL {
		source = SingleFile{File: FileSpec{URL: *rd.URL, Size: *rd.FileSize, Checksum: *rd.Checksum}}
	} else {
		if len(rd.URLs) != len(rd.FileSizes) {
			return Dataset{}, fmt.Errorf("dataset %q: urls (%d) and file_sizes (%d) length mismatch",
				name, len(rd.URLs), len(rd.FileSizes))
		}

		if len(rd.URLs) != len(rd.Checksums) {
			return Dataset{}, fmt.Errorf("dataset %q: urls (%d) and checksums (%d) length mismatch",
				name, len(rd.URLs), len(rd.Checksums))
		}

		parts := make([]FileSpec, 0, len(rd.URLs))
		for i, u := range rd.URLs {
			parts = append(parts, FileSpec{URL: u, Size: rd.FileSizes[i], Checksum: rd.Checksums[i]})
		}

		source = MultiFile{Parts: parts}
	}

	return Dataset{
		Name:              name,
		Source:            source,
		ChecksumType:      checksumType,
		Strategy:          strategy,
		ExtractAfter:      rd.ExtractAfterDownload,
		ExtractFormat:     rd.ExtractFormat,
		DestinationFolder: *rd.DestinationFolder,
	}, nil
}

// checkDigestFormat validates one expected digest. The skip sentinel
// bypasses both the format and the algorithm check, matching how
// verification treats it later.
func checkDigestFormat(name, value, algorithm string, index int) error {
	if strings.EqualFold(value, checksum.Skip) {
		return nil
	}

	switch algorithm {
	case "md5":
		if !md5Hex.MatchString(value) {
			return digestFormatError(name, "MD5", index)
		}
	case "sha256":
		if !sha256Hex.MatchString(value) {
			return digestFormatError(name, "SHA256", index)
		}
	default:
		return fmt.Errorf("dataset %q checksum_type must be 'md5' or 'sha256'", name)
	}

	return nil
}

func digestFormatError(name, algorithm string, index int) error {
	if index < 0 {
		return fmt.Errorf("dataset %q has invalid %s checksum format", name, algorithm)
	}

	return fmt.Errorf("dataset %q has invalid %s checksum format at index %d", name, algorithm, index)
}
