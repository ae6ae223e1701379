package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/mentions.txt
	mentionsRaw string

	//go:embed template/scene.txt
	sceneRaw string

	//go:embed template/memories.txt
	memoriesRaw string

	//go:embed template/plot_threads.txt
	plotThreadsRaw string

	//go:embed template/knowledge.txt
	knowledgeRaw string

	//go:embed template/extract.txt
	extractRaw string
)

// PromptSet holds loaded prompt content. Analyst prompts are used as eino
// FString system messages and must not contain curly braces.
type PromptSet struct {
	Mentions    string
	Scene       string
	Memories    string
	PlotThreads string
	Knowledge   string
	Extract     string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Mentions:    strings.TrimSpace(mentionsRaw),
		Scene:       strings.TrimSpace(sceneRaw),
		Memories:    strings.TrimSpace(memoriesRaw),
		PlotThreads: strings.TrimSpace(plotThreadsRaw),
		Knowledge:   strings.TrimSpace(knowledgeRaw),
		Extract:     strings.TrimSpace(extractRaw),
	}
}
