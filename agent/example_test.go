package agent_test

import (
	"fmt"

	"github.com/agentry-dev/agentry/agent"
)

func ExampleParseAgentID() {
	id, err := agent.ParseAgentID("writer/conversation-42")
	if err != nil {
		fmt.Println("parse:", err)
		return
	}
	fmt.Println(id.Type)
	fmt.Println(id.Key)
	// Output:
	// writer
	// conversation-42
}

func ExampleTypeSubscription_MapTopic() {
	// Route every "task" topic to the "worker" type, sharded by source.
	sub := agent.NewTypeSubscription("task", "worker")

	id, _ := sub.MapTopic(agent.NewTopicID("task", "conv-7"))
	fmt.Println(id)

	id, _ = sub.MapTopic(agent.NewTopicID("task", "conv-8"))
	fmt.Println(id)
	// Output:
	// worker/conv-7
	// worker/conv-8
}

func ExampleNewDefaultSubscription() {
	sub := agent.NewDefaultSubscription("logger")

	fmt.Println(sub.Matches(agent.DefaultTopic("default")))
	fmt.Println(sub.Matches(agent.NewTopicID("task", "default")))
	// Output:
	// true
	// false
}
