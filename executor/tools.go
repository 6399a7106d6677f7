package executor

import "github.com/LinjingBi/code-agent/agentloop"

// SearchTool describes the search(query, max_results=5) helper.
var SearchTool = agentloop.ToolDescriptor{
	Name:        "search",
	Description: "Search DuckDuckGo for a query and return results.\nEach result is a dict with title, link and snippet keys.",
	OutputType:  "list",
	Inputs: map[string]agentloop.ToolInput{
		"query":       {Type: "str", Description: "The search query to look up"},
		"max_results": {Type: "int", Description: "Number of results to return"},
	},
	InputOrder: []string{"query", "max_results"},
}

// DefaultTools returns the tool table of the executors in this package. Each
// call returns a fresh slice.
func DefaultTools() []agentloop.ToolDescriptor {
	return []agentloop.ToolDescriptor{agentloop.FinalAnswerTool, SearchTool}
}
