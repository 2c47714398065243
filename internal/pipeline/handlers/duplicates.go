// Package handlers holds the built-in pipeline workers: duplicate
// detection, git activity reporting, and gitignore auditing. Each handler
// is stateless; job input arrives as the job's data payload.
package handlers

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bargom/sidequest/internal/classify"
	"github.com/bargom/sidequest/internal/gitflow"
	"github.com/bargom/sidequest/internal/store"
)

const (
	defaultMinBlockLines = 5
	maxSourceFileBytes   = 1 << 20

	// Impact scoring weights. Occurrences saturate at 20, block size at
	// 100 lines; identical-after-normalisation blocks score 0.95
	// similarity rather than 1.0 to leave headroom for exact AST matches.
	occurrenceWeight   = 40.0
	similarityWeight   = 35.0
	sizeWeight         = 25.0
	occurrenceCap      = 20.0
	locCap             = 100.0
	normalizedIdentity = 0.95

	minGroupSize          = 2
	quickWinMaxOccurrence = 3
	automationMinImpact   = 50
)

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"coverage":     true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"target":       true,
}

var sourceExtensions = map[string]bool{
	".go": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".py": true, ".rb": true, ".java": true, ".c": true, ".cc": true,
	".cpp": true, ".h": true, ".cs": true, ".php": true, ".rs": true,
	".kt": true, ".swift": true, ".scala": true, ".sh": true,
}

// BlockLocation points at one occurrence of a duplicated block, in original
// (pre-normalisation) line numbers.
type BlockLocation struct {
	File      string `json:"file"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// DuplicateGroup is a set of identical normalised blocks.
type DuplicateGroup struct {
	ID          string          `json:"id"`
	Lines       int             `json:"lines"`
	Occurrences []BlockLocation `json:"occurrences"`
	ImpactScore float64         `json:"impactScore"`
}

// ScanReport is the duplicate-detection job result.
type ScanReport struct {
	Repository         string               `json:"repository"`
	TotalFiles         int                  `json:"totalFiles"`
	TotalLines         int                  `json:"totalLines"`
	DuplicateGroups    []DuplicateGroup     `json:"duplicateGroups"`
	Suggestions        []gitflow.Suggestion `json:"suggestions"`
	DuplicationPercent float64              `json:"duplicationPercent"`
	QuickWins          int                  `json:"quickWins"`
}

// DuplicateDetector finds identical code blocks across a repository by
// hashing sliding windows of normalised source lines.
type DuplicateDetector struct {
	logger *slog.Logger
}

// NewDuplicateDetector builds the duplicate-detection worker.
func NewDuplicateDetector(logger *slog.Logger) *DuplicateDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateDetector{logger: logger.With("handler", "duplicate-detection")}
}

type duplicatePayload struct {
	RepositoryPath string `json:"repositoryPath"`
	MinBlockLines  int    `json:"minBlockLines"`
}

// Run walks the repository and reports duplicate blocks with consolidation
// suggestions.
func (d *DuplicateDetector) Run(ctx context.Context, job *store.Job) (any, error) {
	var payload duplicatePayload
	if len(job.Data) > 0 {
		if err := json.Unmarshal(job.Data, &payload); err != nil {
			return nil, classify.WithCode("EINVAL", fmt.Sprintf("malformed job data: %v", err))
		}
	}
	if payload.RepositoryPath == "" {
		return nil, classify.WithCode("EINVAL", "repositoryPath is required")
	}
	window := payload.MinBlockLines
	if window <= 0 {
		window = defaultMinBlockLines
	}

	info, err := os.Stat(payload.RepositoryPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	if !info.IsDir() {
		return nil, classify.WithCode("ENOTDIR", fmt.Sprintf("%s is not a directory", payload.RepositoryPath))
	}

	scan := newBlockScan(window)
	totalFiles := 0
	err = filepath.WalkDir(payload.RepositoryPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if skippedDirs[entry.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if fi, err := entry.Info(); err != nil || fi.Size() > maxSourceFileBytes {
			return nil
		}

		rel, err := filepath.Rel(payload.RepositoryPath, path)
		if err != nil {
			rel = path
		}
		if err := scan.addFile(path, filepath.ToSlash(rel)); err != nil {
			d.logger.WarnContext(ctx, "file skipped", "file", rel, "error", err)
			return nil
		}
		totalFiles++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk repository: %w", err)
	}

	report := scan.report(payload.RepositoryPath)
	report.TotalFiles = totalFiles

	d.logger.InfoContext(ctx, "scan finished",
		"repository", payload.RepositoryPath,
		"files", report.TotalFiles,
		"lines", report.TotalLines,
		"groups", len(report.DuplicateGroups),
	)
	return report, nil
}

// blockScan accumulates window hashes across files.
type blockScan struct {
	window     int
	totalLines int
	// hash → occurrences; lastEnd de-overlaps runs longer than the window.
	occurrences map[string][]BlockLocation
	lastEnd     map[string]int
}

func newBlockScan(window int) *blockScan {
	return &blockScan{
		window:      window,
		occurrences: make(map[string][]BlockLocation),
		lastEnd:     make(map[string]int),
	}
}

type normalizedLine struct {
	text string
	num  int // 1-based original line number
}

func (b *blockScan) addFile(path, rel string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var lines []normalizedLine
	inBlockComment := false
	num := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSourceFileBytes)
	for scanner.Scan() {
		num++
		text, still := normalizeLine(scanner.Text(), inBlockComment)
		inBlockComment = still
		if text == "" {
			continue
		}
		lines = append(lines, normalizedLine{text: text, num: num})
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	b.totalLines += num

	if len(lines) < b.window {
		return nil
	}

	for i := 0; i+b.window <= len(lines); i++ {
		windowLines := lines[i : i+b.window]
		h := hashWindow(windowLines)

		// Overlapping windows of one long identical run collapse into the
		// first occurrence per file.
		overlapKey := h + "\x00" + rel
		if prev, ok := b.lastEnd[overlapKey]; ok && windowLines[0].num <= prev {
			continue
		}
		b.lastEnd[overlapKey] = windowLines[len(windowLines)-1].num

		b.occurrences[h] = append(b.occurrences[h], BlockLocation{
			File:      rel,
			StartLine: windowLines[0].num,
			EndLine:   windowLines[len(windowLines)-1].num,
		})
	}
	return nil
}

func hashWindow(lines []normalizedLine) string {
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l.text))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeLine strips comments and whitespace so formatting-only
// differences do not defeat duplicate detection. Returns the cleaned line
// and whether a /* block comment is still open.
func normalizeLine(line string, inBlockComment bool) (string, bool) {
	if inBlockComment {
		end := strings.Index(line, "*/")
		if end < 0 {
			return "", true
		}
		line = line[end+2:]
	}

	for {
		start := strings.Index(line, "/*")
		if start < 0 {
			break
		}
		end := strings.Index(line[start+2:], "*/")
		if end < 0 {
			return strings.TrimSpace(line[:start]), true
		}
		line = line[:start] + line[start+2+end+2:]
	}

	if idx := strings.Index(line, "//"); idx >= 0 {
		line = line[:idx]
	}
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = line[:idx]
	}

	return strings.Join(strings.Fields(line), " "), false
}

func (b *blockScan) report(repository string) *ScanReport {
	report := &ScanReport{
		Repository:      repository,
		TotalLines:      b.totalLines,
		DuplicateGroups: []DuplicateGroup{},
		Suggestions:     []gitflow.Suggestion{},
	}

	duplicatedLines := 0
	for h, locs := range b.occurrences {
		if len(locs) < minGroupSize {
			continue
		}
		sort.Slice(locs, func(i, j int) bool {
			if locs[i].File != locs[j].File {
				return locs[i].File < locs[j].File
			}
			return locs[i].StartLine < locs[j].StartLine
		})

		group := DuplicateGroup{
			ID:          "dg_" + h[:12],
			Lines:       b.window,
			Occurrences: locs,
			ImpactScore: impactScore(len(locs), b.window),
		}
		report.DuplicateGroups = append(report.DuplicateGroups, group)
		duplicatedLines += b.window * len(locs)
	}

	sort.Slice(report.DuplicateGroups, func(i, j int) bool {
		gi, gj := report.DuplicateGroups[i], report.DuplicateGroups[j]
		if gi.ImpactScore != gj.ImpactScore {
			return gi.ImpactScore > gj.ImpactScore
		}
		return gi.ID < gj.ID
	})

	for _, group := range report.DuplicateGroups {
		occ := len(group.Occurrences)
		automated := occ <= quickWinMaxOccurrence && group.ImpactScore >= automationMinImpact
		if automated {
			report.QuickWins++
		}
		first := group.Occurrences[0]
		report.Suggestions = append(report.Suggestions, gitflow.Suggestion{
			ID: "cs_" + strings.TrimPrefix(group.ID, "dg_"),
			Description: fmt.Sprintf("Consolidate %d copies of a %d-line block (first at %s:%d)",
				occ, group.Lines, first.File, first.StartLine),
			FilePath:                  first.File,
			ImpactScore:               int(math.Round(group.ImpactScore)),
			AutomatedRefactorPossible: automated,
		})
	}

	if b.totalLines > 0 {
		pct := float64(duplicatedLines) / float64(b.totalLines) * 100
		report.DuplicationPercent = math.Round(math.Min(pct, 100)*100) / 100
	}
	return report
}

// impactScore blends occurrence count, similarity, and block size into a
// 0-100 score.
func impactScore(occurrences, lines int) float64 {
	occ := math.Min(float64(occurrences)/occurrenceCap, 1)
	size := math.Min(float64(lines)/locCap, 1)
	score := occurrenceWeight*occ + similarityWeight*normalizedIdentity + sizeWeight*size
	return math.Round(score*100) / 100
}
