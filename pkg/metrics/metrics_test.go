// Copyright (C) 2026  Realtime Control Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterSeries(t *testing.T) {
	c := NewCounter("test_total", "help text", "task")
	c.Inc("a")
	c.Add("a", 2)
	c.Inc("b")

	if got := c.Get("a"); got != 3 {
		t.Errorf("Get(a) = %d, want 3", got)
	}
	if got := c.Get("b"); got != 1 {
		t.Errorf("Get(b) = %d, want 1", got)
	}

	c.Set("a", 10)
	if got := c.Get("a"); got != 10 {
		t.Errorf("Get(a) after Set = %d, want 10", got)
	}
}

func TestGaugeSeries(t *testing.T) {
	g := NewGauge("test_gauge", "help", "")
	g.Set("", 42.5)
	if got := g.Get(""); got != 42.5 {
		t.Errorf("Get = %v, want 42.5", got)
	}
	g.Set("", -1)
	if got := g.Get(""); got != -1 {
		t.Errorf("Get = %v, want -1", got)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewCounter("dup_total", "", "")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(NewGauge("dup_total", "", "")); err == nil {
		t.Error("duplicate Register succeeded")
	}
}

func TestRenderExposition(t *testing.T) {
	r := NewRegistry()
	c := NewCounter("rt_misses_total", "Deadline misses per task", "task")
	g := NewGauge("rt_util_percent", "CPU utilization", "")
	r.MustRegister(c, g)

	c.Set("control_loop", 3)
	c.Set("diagnostic", 0)
	g.Set("", 87.5)

	out := r.Render()
	wantLines := []string{
		"# HELP rt_misses_total Deadline misses per task",
		"# TYPE rt_misses_total counter",
		`rt_misses_total{task="control_loop"} 3`,
		`rt_misses_total{task="diagnostic"} 0`,
		"# TYPE rt_util_percent gauge",
		"rt_util_percent 87.5",
	}
	for _, want := range wantLines {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q\ngot:\n%s", want, out)
		}
	}
}

func TestLabelEscaping(t *testing.T) {
	c := NewCounter("esc_total", "", "task")
	c.Inc(`we"ird`)

	var out strings.Builder
	c.Write(&out)
	if !strings.Contains(out.String(), `esc_total{task="we\"ird"} 1`) {
		t.Errorf("label not escaped:\n%s", out.String())
	}
}

func TestServerServesMetrics(t *testing.T) {
	r := NewRegistry()
	g := NewGauge("rt_active_tasks", "Number of enabled tasks", "")
	r.MustRegister(g)
	g.Set("", 5)

	srv := NewServer(r, DefaultServerConfig())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "rt_active_tasks 5") {
		t.Errorf("body missing gauge sample:\n%s", body)
	}

	// Only GET is served.
	post, err := ts.Client().Post(ts.URL+"/metrics", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /metrics: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != 405 {
		t.Errorf("POST status = %d, want 405", post.StatusCode)
	}
}
