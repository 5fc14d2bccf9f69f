package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/steveohanians/pulsedashboard-sub001/internal/orchestrator"
	"github.com/steveohanians/pulsedashboard-sub001/internal/progress"
	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

type runDTO struct {
	RunID                  string          `json:"runId"`
	ClientID               string          `json:"clientId"`
	Kind                   string          `json:"kind"`
	URL                    string          `json:"url"`
	Status                 string          `json:"status"`
	Progress               int             `json:"progress"`
	Detail                 string          `json:"detail,omitempty"`
	OverallScore           *float64        `json:"overallScore,omitempty"`
	AboveFoldScreenshotURL string          `json:"aboveFoldScreenshotUrl,omitempty"`
	FullPageScreenshotURL  string          `json:"fullPageScreenshotUrl,omitempty"`
	Insights               json.RawMessage `json:"insights,omitempty"`
	Scores                 []scoreDTO      `json:"scores,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

type scoreDTO struct {
	Criterion string         `json:"criterion"`
	Score     float64        `json:"score"`
	Tier      int            `json:"tier"`
	Evidence  map[string]any `json:"evidence,omitempty"`
	Passes    scoring.Passes `json:"passes"`
}

type resultsDTO struct {
	Client        *runDTO  `json:"client"`
	Competitors   []runDTO `json:"competitors"`
	LatestAttempt *runDTO  `json:"latestAttempt,omitempty"`
}

type progressDTO struct {
	RunID          string    `json:"runId"`
	ClientID       string    `json:"clientId"`
	Status         string    `json:"status"`
	OverallPercent int       `json:"overallPercent"`
	Message        string    `json:"message,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func toRunDTO(run scoring.Run, scores []scoring.CriterionScore) runDTO {
	kind := "client"
	if _, ok := run.Kind.IsCompetitor(); ok {
		kind = "competitor"
	}
	dto := runDTO{
		RunID:                  run.ID.String(),
		ClientID:               run.ClientID.String(),
		Kind:                   kind,
		URL:                    run.URL,
		Status:                 string(run.Status),
		Progress:               run.Progress,
		Detail:                 run.Detail,
		OverallScore:           run.OverallScore,
		AboveFoldScreenshotURL: run.AboveFoldScreenshotURL,
		FullPageScreenshotURL:  run.FullPageScreenshotURL,
		CreatedAt:              run.CreatedAt,
		UpdatedAt:              run.UpdatedAt,
	}
	if run.InsightsJSON != nil {
		dto.Insights = json.RawMessage(*run.InsightsJSON)
	}
	for _, sc := range scores {
		dto.Scores = append(dto.Scores, scoreDTO{
			Criterion: string(sc.Criterion),
			Score:     sc.Score,
			Tier:      int(sc.Tier),
			Evidence:  sc.Evidence,
			Passes:    sc.Passes,
		})
	}
	return dto
}

func toResultsDTO(rs orchestrator.ResultSet) resultsDTO {
	scoresFor := func(id uuid.UUID) []scoring.CriterionScore {
		if rs.Scores == nil {
			return nil
		}
		return rs.Scores[id]
	}

	out := resultsDTO{Competitors: []runDTO{}}
	if rs.Client != nil {
		dto := toRunDTO(*rs.Client, scoresFor(rs.Client.ID))
		out.Client = &dto
	}
	for _, comp := range rs.Competitors {
		out.Competitors = append(out.Competitors, toRunDTO(comp, scoresFor(comp.ID)))
	}
	if rs.LatestAttempt != nil {
		dto := toRunDTO(*rs.LatestAttempt, scoresFor(rs.LatestAttempt.ID))
		out.LatestAttempt = &dto
	}
	return out
}

func toProgressDTO(rec progress.Record) progressDTO {
	return progressDTO{
		RunID:          rec.RunID.String(),
		ClientID:       rec.ClientID.String(),
		Status:         string(rec.Status),
		OverallPercent: rec.OverallPercent,
		Message:        rec.Message,
		UpdatedAt:      rec.UpdatedAt,
	}
}
