// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package server exposes a running keyed list composition over HTTP.
//
// The host loop owns the composition. After every frame it hands the
// server a FrameStats through Service.OnFrame, which copies the emitted
// node tree into an immutable View. Handlers only ever read Views, so no
// request touches the slot table or the applier while a pass runs.
//
// Endpoints:
//
//	GET  /healthz         Liveness
//	GET  /readyz          503 until the first pass ran
//	GET  /metrics         Prometheus exposition
//	GET  /v1/tree         Latest View
//	PUT  /v1/items        Replace the list items
//	GET  /v1/history      Committed write sets (?object=, ?from=&to=)
//	GET  /v1/journal      Journal entries and stats
//	GET  /v1/audit        Audit events of edits
//	GET  /v1/logs         Recent log entries (?level=, ?limit=)
//	GET  /v1/watch        WebSocket stream of Views
package server

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/recompose/pkg/extensions"
	"github.com/AleutianAI/recompose/pkg/logging"
	"github.com/AleutianAI/recompose/services/compose/composer"
	"github.com/AleutianAI/recompose/services/compose/history"
	"github.com/AleutianAI/recompose/services/compose/host"
	"github.com/AleutianAI/recompose/services/compose/journal"
	"github.com/AleutianAI/recompose/services/compose/listview"
)

// -----------------------------------------------------------------------------
// View
// -----------------------------------------------------------------------------

// Tree is an immutable copy of an emitted node.
type Tree struct {
	Name     string `json:"name"`
	Value    string `json:"value,omitempty"`
	Children []Tree `json:"children,omitempty"`
}

func copyTree(n *composer.Node) Tree {
	t := Tree{Name: n.Name}
	if n.Value != nil {
		t.Value = fmt.Sprint(n.Value)
	}
	if len(n.Children) > 0 {
		t.Children = make([]Tree, len(n.Children))
		for i, c := range n.Children {
			t.Children[i] = copyTree(c)
		}
	}
	return t
}

// View is the composition as of one frame.
type View struct {
	Frame int64              `json:"frame"`
	Label string             `json:"label"`
	Items []string           `json:"items"`
	Pass  composer.PassStats `json:"pass"`
	Tree  Tree               `json:"tree"`
	Time  time.Time          `json:"time"`
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Deps are the runtime parts a Service reads and writes.
type Deps struct {
	Applier *composer.MemoryApplier
	Loop    *host.Loop
	List    *listview.List
	History *history.Worker

	// Journal is optional.
	Journal *journal.Journal

	// Extensions guard and audit edits. Nil fields are no-ops.
	Extensions extensions.Options

	// Logs is the process log tail. Optional.
	Logs *logging.BufferedExporter

	Logger *slog.Logger
}

// Service publishes Views and applies edits.
//
// Thread Safety: OnFrame must be called on the goroutine running the host
// loop. Every other method is safe for concurrent use.
type Service struct {
	deps   Deps
	logger *slog.Logger

	view  atomic.Pointer[View]
	ready atomic.Bool

	mu      sync.Mutex
	subs    map[uint64]chan View
	nextSub uint64
	closed  bool
}

// NewService creates a Service. The initial View is empty until the first
// frame.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Extensions = deps.Extensions.OrDefault()
	s := &Service{
		deps:   deps,
		logger: logger.With(slog.String("component", "server")),
		subs:   make(map[uint64]chan View),
	}
	s.view.Store(&View{Tree: Tree{Name: "root"}, Time: time.Now()})
	return s
}

// OnFrame publishes a new View after a frame that ran a pass. Usable as a
// host frame hook.
func (s *Service) OnFrame(fs host.FrameStats) {
	if !fs.Ran {
		return
	}
	items, err := s.deps.List.Items().Get()
	if err != nil {
		s.logger.Warn("reading list items failed", slog.String("error", err.Error()))
	}
	v := &View{
		Frame: s.deps.Loop.Frames(),
		Label: s.deps.List.Label(),
		Items: items,
		Pass:  fs.Pass,
		Tree:  copyTree(s.deps.Applier.Root()),
		Time:  time.Now(),
	}
	s.view.Store(v)
	s.ready.Store(true)
	s.publish(*v)
}

// View returns the latest View.
func (s *Service) View() View {
	return *s.view.Load()
}

// Ready reports whether a pass has run.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// SetItems writes items and asks the loop for a frame.
func (s *Service) SetItems(label string, items []string) error {
	if err := s.deps.List.SetItems(label, items); err != nil {
		return err
	}
	s.deps.Loop.Request()
	return nil
}

// Subscribe returns a channel receiving every published View. A slow
// subscriber only ever sees the newest View. cancel must be called.
func (s *Service) Subscribe() (updates <-chan View, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan View, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

func (s *Service) publish(v View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Close ends every subscription.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
