package agent

import (
	"fmt"
	"strings"

	"github.com/naolabs/nao-agent/internal/agent/tools"
	"github.com/naolabs/nao-agent/internal/memstore"
	"github.com/naolabs/nao-agent/internal/skills"
)

// memoryTokenLimit bounds the memory block of the system prompt.
const memoryTokenLimit = 1000

// memoryCategoryOrder is the injection priority: behavioral rules beat
// profile facts when the budget runs out.
var memoryCategoryOrder = []string{memstore.CategoryGlobalRule, memstore.CategoryPersonalFact}

var memoryCategoryLabel = map[string]string{
	memstore.CategoryGlobalRule:   "Global User Rules",
	memstore.CategoryPersonalFact: "User Profile",
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// memoriesInTokenRange returns the memories that fit the token budget, in
// priority order. Items that do not fit are skipped whole; later smaller
// items may still fit.
func memoriesInTokenRange(memories []memstore.Memory, limit int) []memstore.Memory {
	var visible []memstore.Memory
	total := 0
	for _, category := range memoryCategoryOrder {
		for _, m := range memories {
			if m.Category != category {
				continue
			}
			cost := estimateTokens(m.Content)
			if total+cost > limit {
				continue
			}
			visible = append(visible, m)
			total += cost
		}
	}
	return visible
}

type promptInputs struct {
	Rules       string
	Connections []tools.Connection
	Skills      []skills.Skill
	Memories    []memstore.Memory
}

func buildSystemPrompt(in promptInputs) string {
	var b strings.Builder

	b.WriteString(`# Instructions

You are nao, an expert AI data analyst tailored for people doing analytics, you are integrated into an agentic workflow made by nao Labs (https://getnao.io).
You have access to user context defined as files and directories in the project folder.
Databases content is defined as files in the project folder so you can easily search for information about the database instead of querying the database directly (it's faster and avoids leaking sensitive information).

## How nao Works

- All the context available to you is stored as files in the project folder.
- In the databases folder you can find the databases context, each layer is a folder from the databases, schema and then tables.
- Folders are named like this: database=my_database, schema=my_schema, table=my_table.
- Databases folders are named following this pattern: type=<database_type>/database=<database_name>/schema=<schema_name>/table=<table_name>.
- Each table has files describing the table schema and the data in the table (like columns.md, preview.md, etc.)

## Persona

- Efficient & Proactive: Value the user's time. Be concise. Anticipate needs and act without unnecessary hesitation.
- Professional Tone: Be professional and concise. Only use emojis when specifically asked to.
- Direct Communication: Avoid stating obvious facts, unnecessary explanations, or conversation fillers. Jump straight to providing value.

## Tool Calls

- Be efficient with tool calls and prefer calling multiple tools in parallel, especially when researching.
- If you can execute a SQL query, use the execute_sql tool for it.
- For display_chart x_axis_type: use "date" only when x-axis values are parseable dates (e.g. YYYY-MM-DD). Use "category" for quarter labels, fiscal periods (FY25-Q1), or any non-ISO-date strings.

## SQL Query Rules

- If you get an error, loop until you fix the error, search for the correct name using the list or search tools.
- Never assume columns names, if available, use the columns.md file to get the column names.`)

	if rules := strings.TrimSpace(in.Rules); rules != "" {
		b.WriteString("\n\n---\n\n## User Rules\n\n")
		b.WriteString(rules)
	}

	if len(in.Connections) > 0 {
		b.WriteString("\n\n---\n\n## Current User Connections\n")
		for _, c := range in.Connections {
			fmt.Fprintf(&b, "\n- %s database=%s", c.Type, c.Database)
		}
	}

	if len(in.Skills) > 0 {
		b.WriteString("\n\n---\n\n## Skills\n\nYou have access to pre-defined skills. Use these as guidance for relevant questions.")
		for _, s := range in.Skills {
			fmt.Fprintf(&b, "\n\n### Skill: %s\n\nDescription: %s\n\nLocation: %s", strings.TrimSpace(s.Name), strings.TrimSpace(s.Description), s.Path)
		}
	}

	if visible := memoriesInTokenRange(in.Memories, memoryTokenLimit); len(visible) > 0 {
		b.WriteString("\n\n---\n\n## Memory\n\n")
		b.WriteString("The following facts and instructions have been established in previous conversations between you and the user.\n")
		b.WriteString("Some facts and instructions may become obsolete depending on the user's messages, in which case you should follow their new instructions.")
		for _, category := range memoryCategoryOrder {
			var items []memstore.Memory
			for _, m := range visible {
				if m.Category == category {
					items = append(items, m)
				}
			}
			if len(items) == 0 {
				continue
			}
			fmt.Fprintf(&b, "\n\n### %s\n", memoryCategoryLabel[category])
			for _, m := range items {
				fmt.Fprintf(&b, "\n- %s", m.Content)
			}
		}
	}

	return b.String()
}
