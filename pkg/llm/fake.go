package llm

import "context"

// FakeClient replays scripted turns, one event slice per Stream call.
// It exists for orchestrator and scheduler tests.
type FakeClient struct {
	ProviderName string
	ModelName    string
	Turns        [][]Event
	Requests     []Request
	turn         int
}

func (f *FakeClient) Provider() string {
	if f.ProviderName == "" {
		return "openai"
	}
	return f.ProviderName
}

func (f *FakeClient) Model() string {
	if f.ModelName == "" {
		return "fake-model"
	}
	return f.ModelName
}

func (f *FakeClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	f.Requests = append(f.Requests, req)
	var script []Event
	if f.turn < len(f.Turns) {
		script = f.Turns[f.turn]
		f.turn++
	} else {
		script = []Event{{Type: EventDone}}
	}

	events := make(chan Event, len(script))
	for _, event := range script {
		events <- event
	}
	close(events)
	return events, nil
}

func (f *FakeClient) Complete(ctx context.Context, req Request) (string, error) {
	events, err := f.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	return collectText(events)
}
