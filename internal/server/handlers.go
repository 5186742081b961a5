package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"missionboard/internal/domain"
	"missionboard/internal/engine"
	"missionboard/internal/events"
	"missionboard/internal/guard"
	"missionboard/internal/repo"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type itemPath struct {
	ID string `path:"id"`
}

type itemBody struct {
	Body domain.Item `json:"body"`
}

type missionBody struct {
	Body MissionResponse `json:"body"`
}

func registerBoard(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "board",
		Method:      http.MethodGet,
		Path:        "/board",
		Summary:     "Board snapshot grouped by stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
	}) (*struct {
		Body engine.BoardView `json:"body"`
	}, error) {
		view, err := s.e.BoardSnapshot(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BoardView `json:"body"`
		}{Body: view}, nil
	})
}

func registerMissions(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "init-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Start a mission",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body InitMissionRequest `json:"body"`
	}) (*missionBody, error) {
		if herr := requireBody(ctx); herr != nil {
			return nil, herr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actor, herr := s.authorize(ctx, guard.OpMissionInit, "")
		if herr != nil {
			return nil, herr
		}
		m, err := s.e.InitMission(ctx, engine.InitOptions{
			Name:    input.Body.Name,
			PRDPath: input.Body.PRDPath,
			Force:   input.Body.Force,
			ActorID: actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: MissionResponse{Mission: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		IncludeArchived bool `query:"include_archived"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		items, err := s.e.ListMissions(ctx, input.IncludeArchived)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Mission{}
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-mission",
		Method:      http.MethodGet,
		Path:        "/missions/current",
		Summary:     "Active mission with item counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*missionBody, error) {
		m, err := s.e.ActiveMission(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return s.missionResponse(ctx, m)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*missionBody, error) {
		m, err := s.e.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return s.missionResponse(ctx, m)
	})

	phases := []struct {
		op      string
		path    string
		summary string
		run     func(ctx context.Context, id, actor string) (domain.Mission, error)
	}{
		{guard.OpPrecheck, "precheck", "Run prechecks", s.e.Precheck},
		{guard.OpRun, "run", "Mark execution started", s.e.RunMission},
		{guard.OpPostcheck, "postcheck", "Run postchecks", s.e.Postcheck},
		{guard.OpArchive, "archive", "Archive a mission at rest", s.e.ArchiveMission},
	}
	for _, ph := range phases {
		huma.Register(api, huma.Operation{
			OperationID: ph.path + "-mission",
			Method:      http.MethodPost,
			Path:        "/missions/{id}/" + ph.path,
			Summary:     ph.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *itemPath) (*missionBody, error) {
			actor, herr := s.authorize(ctx, ph.op, "")
			if herr != nil {
				return nil, herr
			}
			m, err := ph.run(ctx, input.ID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &missionBody{Body: MissionResponse{Mission: m}}, nil
		})
	}
}

func (s *service) missionResponse(ctx context.Context, m domain.Mission) (*missionBody, error) {
	counts, err := s.e.Repo.CountByStage(ctx, s.e.DB, m.ID)
	if err != nil {
		return nil, handleError(err)
	}
	return &missionBody{Body: MissionResponse{Mission: m, ItemCounts: counts}}, nil
}

func registerItems(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*itemBody, error) {
		if herr := requireBody(ctx); herr != nil {
			return nil, herr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actor, herr := s.authorize(ctx, guard.OpItemCreate, "")
		if herr != nil {
			return nil, herr
		}
		it, err := s.e.CreateItem(ctx, engine.ItemCreateOptions{
			ID:          input.Body.ID,
			MissionID:   input.Body.MissionID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Type:        input.Body.Type,
			Priority:    input.Body.Priority,
			Stage:       input.Body.Stage,
			DependsOn:   input.Body.DependsOn,
			ActorID:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
		Stage     string `query:"stage"`
		Agent     string `query:"agent"`
	}) (*struct {
		Body []domain.Item `json:"body"`
	}, error) {
		items, err := s.e.ListItems(ctx, repo.ItemFilters{MissionID: input.MissionID, StageID: input.Stage, Agent: input.Agent})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Item{}
		}
		return &struct {
			Body []domain.Item `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*itemBody, error) {
		it, err := s.e.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/move",
		Summary:     "Move a work item to another stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body MoveItemRequest `json:"body"`
	}) (*itemBody, error) {
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		op := guard.OpItemMove
		if input.Body.Force {
			op = guard.OpItemMoveForce
		}
		agent, herr := s.authorize(ctx, op, input.Body.Agent)
		if herr != nil {
			return nil, herr
		}
		it, err := s.e.MoveItem(ctx, engine.MoveOptions{
			ItemID: input.ID,
			From:   input.Body.From,
			To:     input.Body.To,
			Agent:  agent,
			Force:  input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/claim",
		Summary:     "Claim a work item",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Agent string `query:"agent"`
	}) (*struct {
		Body domain.AgentClaim `json:"body"`
	}, error) {
		agent, herr := s.authorize(ctx, guard.OpItemClaim, input.Agent)
		if herr != nil {
			return nil, herr
		}
		if agent == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent identity required", nil)
		}
		claim, err := s.e.ClaimItem(ctx, input.ID, agent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentClaim `json:"body"`
		}{Body: claim}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/release",
		Summary:     "Release a claim",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Agent string `query:"agent"`
	}) (*itemBody, error) {
		agent, herr := s.authorize(ctx, guard.OpItemRelease, input.Agent)
		if herr != nil {
			return nil, herr
		}
		it, err := s.e.ReleaseItem(ctx, input.ID, agent)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/reject",
		Summary:     "Reject a work item; escalates to blocked at the threshold",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.RejectResult `json:"body"`
	}, error) {
		agent, herr := s.authorize(ctx, guard.OpItemReject, input.Body.Agent)
		if herr != nil {
			return nil, herr
		}
		res, err := s.e.RejectItem(ctx, input.ID, agent, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RejectResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/reopen",
		Summary:     "Reopen a done item",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body" required:"false"`
	}) (*itemBody, error) {
		actor, herr := s.authorize(ctx, guard.OpItemReopen, input.Body.Agent)
		if herr != nil {
			return nil, herr
		}
		it, err := s.e.ReopenItem(ctx, input.ID, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-worklog",
		Method:        http.MethodPost,
		Path:          "/items/{id}/worklog",
		Summary:       "Append a work log entry",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body WorkLogRequest `json:"body"`
	}) (*struct {
		Body domain.WorkLogEntry `json:"body"`
	}, error) {
		agent, herr := s.authorize(ctx, guard.OpWorkLog, input.Body.Agent)
		if herr != nil {
			return nil, herr
		}
		entry, err := s.e.AddWorkLog(ctx, engine.WorkLogOptions{
			ItemID:  input.ID,
			Agent:   agent,
			Action:  input.Body.Action,
			Summary: input.Body.Summary,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkLogEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-worklog",
		Method:      http.MethodGet,
		Path:        "/items/{id}/worklog",
		Summary:     "Work log of an item, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body []domain.WorkLogEntry `json:"body"`
	}, error) {
		entries, err := s.e.ListWorkLog(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.WorkLogEntry{}
		}
		return &struct {
			Body []domain.WorkLogEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-plan",
		Method:        http.MethodPost,
		Path:          "/plans",
		Summary:       "Import a batch of work items with dependencies",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body engine.Plan `json:"body"`
	}) (*struct {
		Body []domain.Item `json:"body"`
	}, error) {
		if herr := requireBody(ctx); herr != nil {
			return nil, herr
		}
		actor, herr := s.authorize(ctx, guard.OpPlanImport, "")
		if herr != nil {
			return nil, herr
		}
		items, err := s.e.ImportPlan(ctx, input.Body, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Item `json:"body"`
		}{Body: items}, nil
	})
}

func registerDependencies(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "add-dependency",
		Method:      http.MethodPost,
		Path:        "/items/{id}/dependencies",
		Summary:     "Add a dependency edge",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AddDependencyRequest `json:"body"`
	}) (*itemBody, error) {
		if input.Body.DependsOn == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "depends_on is required", nil)
		}
		actor, herr := s.authorize(ctx, guard.OpDependencyAdd, "")
		if herr != nil {
			return nil, herr
		}
		it, err := s.e.AddDependency(ctx, input.ID, input.Body.DependsOn, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-dependencies",
		Method:      http.MethodGet,
		Path:        "/dependencies/check",
		Summary:     "Ready, pending and cyclic items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
	}) (*struct {
		Body engine.DependencyReport `json:"body"`
	}, error) {
		report, err := s.e.CheckDependencies(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DependencyReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerClaims(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "Held claims with their age, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
	}) (*struct {
		Body []ClaimResponse `json:"body"`
	}, error) {
		claims, err := s.e.ListClaims(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ClaimResponse `json:"body"`
		}{Body: claimResponses(claims)}, nil
	})
}

func registerAgents(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-agent",
		Method:      http.MethodPost,
		Path:        "/agents/resolve",
		Summary:     "Resolve an identity signal to an agent id",
	}, func(ctx context.Context, input *struct {
		Body ResolveRequest `json:"body"`
	}) (*struct {
		Body ResolveResponse `json:"body"`
	}, error) {
		sig := guard.IdentitySignal{AgentType: input.Body.AgentType, TeammateName: input.Body.TeammateName}
		resp := ResolveResponse{}
		if s.g == nil {
			resp.Agent, resp.Resolved = guard.Resolver{}.Resolve(sig)
		} else {
			resp.Agent, resp.Resolved = s.g.Resolve(sig)
			if p := s.g.Policy(); p != nil && resp.Resolved {
				resp.Role, _ = p.Role(resp.Agent)
			}
		}
		return &struct {
			Body ResolveResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "authorize-agent",
		Method:      http.MethodPost,
		Path:        "/agents/authorize",
		Summary:     "Decide whether an agent may perform an action",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AuthorizeRequest `json:"body"`
	}) (*struct {
		Body AuthorizeResponse `json:"body"`
	}, error) {
		var action guard.Action
		switch {
		case input.Body.Action != nil:
			action = *input.Body.Action
		case input.Body.ToolName != "":
			a, ok := guard.ActionFromTool(input.Body.ToolName, input.Body.ToolInput)
			if !ok {
				return &struct {
					Body AuthorizeResponse `json:"body"`
				}{Body: AuthorizeResponse{Decision: guard.Decision{Allow: true}}}, nil
			}
			action = a
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action or tool_name is required", nil)
		}
		sig := guard.IdentitySignal{AgentType: input.Body.AgentType, TeammateName: input.Body.TeammateName}
		resp := AuthorizeResponse{Action: action, Decision: guard.Decision{Allow: true}}
		if s.g != nil {
			resp.Agent, resp.Decision = s.g.Check(ctx, sig, action)
			if p := s.g.Policy(); p != nil {
				resp.Role, _ = p.Role(resp.Agent)
			}
		}
		return &struct {
			Body AuthorizeResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-denial",
		Method:        http.MethodPost,
		Path:          "/audit/denials",
		Summary:       "Record a denial decided outside the server",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DenialRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.Agent == "" || input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent and reason are required", nil)
		}
		if err := s.e.RecordDenial(ctx, events.ActionDenied(input.Body)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MissionID  string `query:"mission_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"mission,item,agent"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := s.e.RecentEvents(ctx, repo.EventFilters{
			MissionID:  input.MissionID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
