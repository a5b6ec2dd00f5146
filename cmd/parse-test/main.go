package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/testsabirweb/slack_archive/pkg/models"
	"github.com/testsabirweb/slack_archive/pkg/parser"
)

func main() {
	var (
		path         = flag.String("path", "", "Path to an extracted export tree or a single conversation .txt file")
		limit        = flag.Int("limit", 10, "Number of sample messages to display")
		showMessages = flag.Bool("show-messages", false, "Show every parsed message")
	)
	flag.Parse()

	if *path == "" {
		fmt.Println("Usage: parse-test -path <export tree or .txt file> [options]")
		flag.PrintDefaults()
		os.Exit(0)
	}

	info, err := os.Stat(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot stat %s: %v\n", *path, err)
		os.Exit(1)
	}

	p := parser.New()
	var samples []models.Message
	var failures []models.FailedImport
	conversations := 0

	handle := func(res *parser.FileResult, index, total int) error {
		name := "?"
		if res.Conversation != nil {
			name = res.Conversation.DisplayName()
			conversations++
		}
		fmt.Printf("[%d/%d] %s: %d messages, %d failures (%s)\n",
			index+1, total, res.Path, len(res.Messages), len(res.Failures), name)

		for _, msg := range res.Messages {
			if *showMessages {
				printMessage(msg)
			} else if len(samples) < *limit {
				samples = append(samples, msg)
			}
		}
		failures = append(failures, res.Failures...)
		return nil
	}

	if info.IsDir() {
		if err := p.Walk(context.Background(), *path, handle); err != nil {
			fmt.Fprintf(os.Stderr, "Walk failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		res, err := p.ParseFile(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
			os.Exit(1)
		}
		handle(res, 0, 1)
	}

	files, messages, failureCount := p.Stats()
	fmt.Printf("\n=== Parsing Complete ===\n")
	fmt.Printf("Files parsed: %d\n", files)
	fmt.Printf("Conversations: %d\n", conversations)
	fmt.Printf("Messages: %d\n", messages)
	fmt.Printf("Failures: %d\n", failureCount)
	if messages+failureCount > 0 {
		fmt.Printf("Success rate: %.2f%%\n", float64(messages)/float64(messages+failureCount)*100)
	}

	if !*showMessages && len(samples) > 0 {
		fmt.Printf("\n=== Sample Messages (first %d) ===\n", len(samples))
		for _, msg := range samples {
			printMessage(msg)
		}
	}

	if len(failures) > 0 {
		fmt.Printf("\n=== First 10 Failures ===\n")
		for i, f := range failures {
			if i >= 10 {
				fmt.Printf("... and %d more failures\n", len(failures)-10)
				break
			}
			fmt.Printf("%d. %s:%d: %s\n", i+1, f.FilePath, f.LineNumber, f.Error)
			if f.Line != "" {
				fmt.Printf("   %s\n", truncateString(f.Line, 100))
			}
		}
	}
}

func printMessage(msg models.Message) {
	fmt.Printf("\n--- Message ---\n")
	fmt.Printf("Time: %s\n", msg.TS.Format("2006-01-02 15:04:05"))
	fmt.Printf("Conversation: %s\n", msg.ConversationID)
	fmt.Printf("User: %s\n", msg.Username)
	fmt.Printf("Type: %s\n", msg.Type)
	if msg.SystemAction != "" {
		fmt.Printf("Action: %s\n", msg.SystemAction)
	}
	if msg.ThreadTS != nil {
		fmt.Printf("Thread: %s\n", msg.ThreadTS.Format("2006-01-02 15:04:05"))
	}
	if msg.ReplyCount > 0 {
		fmt.Printf("Replies: %d\n", msg.ReplyCount)
	}
	if len(msg.Reactions) > 0 {
		fmt.Printf("Reactions: %d\n", len(msg.Reactions))
	}
	if len(msg.Files) > 0 {
		fmt.Printf("Files: %d\n", len(msg.Files))
	}
	fmt.Printf("Text: %s\n", truncateString(msg.Text, 100))
}

func truncateString(s string, maxLength int) string {
	if len(s) > maxLength {
		return s[:maxLength] + "..."
	}
	return s
}
