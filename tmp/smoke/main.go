package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bullpen/internal/config"
	"bullpen/internal/db"
	"bullpen/internal/engine"
	"bullpen/internal/migrate"
	"bullpen/internal/repo"
	"bullpen/internal/server"
	bullpensdk "bullpen/sdk/go"
)

// Manual smoke run: spec task claimed and completed through the SDK, then
// pushed through the approval gate, ending with the follow-on implement task.
func main() {
	workspace := "/tmp/bullpen-smoke"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default("bullpen")
	e := engine.New(conn, cfg)
	ctx := context.Background()
	for _, w := range cfg.Crew.Workers {
		if _, err := e.RegisterWorker(ctx, w.ID, w.Role); err != nil {
			panic(err)
		}
	}
	secret := "test-secret"
	h, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: secret}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	planner := bullpensdk.New(ts.URL)
	planner.BearerToken = signToken(secret, "planner-1")

	task, err := planner.CreateTask(ctx, "write_spec", 7, map[string]any{"feature": "billing"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created task=%s priority=%d\n", task.ID, task.Priority)

	claimed, err := planner.Claim(ctx, "write_spec")
	if err != nil {
		panic(err)
	}
	if claimed == nil {
		panic("expected a claimable task")
	}
	fmt.Printf("claimed task=%s by=%s\n", claimed.ID, *claimed.AssignedTo)

	done, err := planner.Complete(ctx, claimed.ID, map[string]any{"spec_url": "specs/billing.md"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("completed task=%s status=%s\n", done.ID, done.Status)

	appr, err := planner.SubmitApproval(ctx, "spec", done.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted approval=%s status=%s\n", appr.ID, appr.Status)

	decideBody, _ := json.Marshal(map[string]any{"decision": "approved", "notes": "looks right"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/approvals/"+appr.ID+"/decide", bytes.NewReader(decideBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signToken(secret, "reviewer-1"))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var decided any
	_ = json.NewDecoder(res.Body).Decode(&decided)
	fmt.Printf("decide status=%d resp=%v\n", res.StatusCode, decided)

	followups, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Type: "implement", ParentID: done.ID})
	if err != nil {
		panic(err)
	}
	if len(followups) == 0 {
		panic("expected a follow-on implement task")
	}
	fmt.Printf("followup task=%s type=%s status=%s\n", followups[0].ID, followups[0].Type, followups[0].Status)
}

func signToken(secret, workerID string) string {
	claims := jwt.RegisteredClaims{
		Subject:   workerID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return tok
}
