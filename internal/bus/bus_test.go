package bus

import (
	"testing"
	"time"
)

func TestSendCommandDispatchesToRegisteredHandler(t *testing.T) {
	RegisterCommand(ComponentRetrieval, CmdNeedsEnrichment, func(cmd Command) CommandResult {
		return CommandResult{Success: true, Message: "pong", Data: cmd.Payload}
	})
	defer UnregisterComponent(ComponentRetrieval)

	result := SendCommand(ComponentRetrieval, CmdNeedsEnrichment, "hello")
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Data != "hello" {
		t.Errorf("expected payload echoed back, got %v", result.Data)
	}
}

func TestSendCommandUnknownComponentReturnsNoHandlerError(t *testing.T) {
	result := SendCommand(ComponentEnrichment, CmdStart, nil)
	if result.Success {
		t.Fatal("expected failure for unregistered component")
	}
	if result.Error == nil {
		t.Error("expected an error for unregistered component")
	}
}

func TestSendCommandUnknownCommandReturnsError(t *testing.T) {
	RegisterCommand(ComponentIndexer, CmdStart, func(cmd Command) CommandResult {
		return CommandResult{Success: true}
	})
	defer UnregisterComponent(ComponentIndexer)

	result := SendCommand(ComponentIndexer, CmdPause, nil)
	if result.Success {
		t.Fatal("expected failure for unregistered command")
	}
}

func TestSendCommandAsyncDoesNotBlock(t *testing.T) {
	done := make(chan struct{}, 1)
	RegisterCommand(ComponentMigration, CmdStart, func(cmd Command) CommandResult {
		done <- struct{}{}
		return CommandResult{Success: true}
	})
	defer UnregisterComponent(ComponentMigration)

	SendCommandAsync(ComponentMigration, CmdStart, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected async handler to fire within timeout")
	}
}

func TestPublishEventInvokesAllSubscribers(t *testing.T) {
	got := make(chan string, 2)
	id1 := SubscribeEvent(TopicRunInfo, func(e Event) { got <- "first:" + e.Source.String() })
	id2 := SubscribeEvent(TopicRunInfo, func(e Event) { got <- "second:" + e.Source.String() })
	defer UnsubscribeEvent(id1)
	defer UnsubscribeEvent(id2)

	PublishEventWithSource(TopicRunInfo, nil, SourceCLI)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case v := <-got:
			seen[v] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for subscriber callbacks")
		}
	}
	if !seen["first:cli"] || !seen["second:cli"] {
		t.Errorf("expected both subscribers invoked with source, got %v", seen)
	}
}

func TestUnsubscribeEventStopsDelivery(t *testing.T) {
	got := make(chan struct{}, 1)
	id := SubscribeEvent(TopicRunWarn, func(e Event) { got <- struct{}{} })
	if !UnsubscribeEvent(id) {
		t.Fatal("expected unsubscribe to report success")
	}

	PublishEvent(TopicRunWarn, nil)

	select {
	case <-got:
		t.Fatal("did not expect handler to fire after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}
