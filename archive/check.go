package archive

import (
	"context"
	"errors"

	"github.com/hazyhaar/warcfed/catalog"
	"github.com/hazyhaar/warcfed/logstore"
	"github.com/hazyhaar/warcfed/observability"
	"github.com/hazyhaar/warcfed/record"
)

// MaxViolations caps the violations listed in a CheckReport.
const MaxViolations = 100

// Violation kinds.
const (
	ProblemOutOfRange     = "out_of_range"
	ProblemMalformed      = "malformed"
	ProblemDigestMismatch = "digest_mismatch"
	ProblemUnreadable     = "unreadable"
)

// Violation is one snapshot whose range does not delimit a valid block.
type Violation struct {
	SnapshotID string `json:"snapshot_id"`
	File       string `json:"file"`
	Offset     int64  `json:"offset"`
	Length     int64  `json:"length"`
	Problem    string `json:"problem"`
	Detail     string `json:"detail,omitempty"`
}

// CheckReport is the result of an integrity check.
type CheckReport struct {
	Snapshots  int         `json:"snapshots"`
	OK         int         `json:"ok"`
	Failed     int         `json:"failed"`
	Violations []Violation `json:"violations"`
}

// Check walks every snapshot and verifies that its range lies inside its
// log file and delimits exactly one decodable block whose payload matches
// its digest. Only the first MaxViolations violations are listed.
func (a *Archive) Check(ctx context.Context) (*CheckReport, error) {
	rep := &CheckReport{Violations: []Violation{}}
	sizes := make(map[string]int64)

	err := a.catalog.Each(ctx, func(s *catalog.Snapshot) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Snapshots++
		problem, detail := a.checkSnapshot(ctx, s, sizes)
		if problem == "" {
			rep.OK++
			return nil
		}
		rep.Failed++
		if len(rep.Violations) < MaxViolations {
			rep.Violations = append(rep.Violations, Violation{
				SnapshotID: s.ID, File: s.WarcFile, Offset: s.Offset, Length: s.Length,
				Problem: problem, Detail: detail,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.events.LogEvent(ctx, observability.EventCheck, "", rep.Failed == 0,
		map[string]int{"snapshots": rep.Snapshots, "failed": rep.Failed})
	if rep.Failed > 0 {
		a.logger.Warn("archive: integrity check found violations", "snapshots", rep.Snapshots, "failed", rep.Failed)
	} else {
		a.logger.Info("archive: integrity check passed", "snapshots", rep.Snapshots)
	}
	return rep, nil
}

func (a *Archive) checkSnapshot(ctx context.Context, s *catalog.Snapshot, sizes map[string]int64) (string, string) {
	size, ok := sizes[s.WarcFile]
	if !ok {
		var err error
		size, err = a.logs.Size(s.WarcFile)
		if err != nil {
			return ProblemUnreadable, err.Error()
		}
		sizes[s.WarcFile] = size
	}
	if s.Offset+s.Length > size {
		return ProblemOutOfRange, ""
	}

	block, err := a.logs.Read(ctx, s.WarcFile, s.Offset, s.Length)
	var trunc *logstore.TruncatedReadError
	if errors.As(err, &trunc) {
		return ProblemOutOfRange, err.Error()
	}
	if err != nil {
		return ProblemUnreadable, err.Error()
	}
	rec, err := a.decoder.Decode(block)
	if err != nil {
		return ProblemMalformed, err.Error()
	}
	if err := record.Verify(rec); err != nil {
		return ProblemDigestMismatch, err.Error()
	}
	return "", ""
}
