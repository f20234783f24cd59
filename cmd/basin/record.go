package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"basin/internal/oplog"
	"basin/internal/repo"
)

var (
	recordSession   string
	recordPath      string
	recordFrom      string
	recordRationale string
	recordRole      string
	recordNote      string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append an operation record to a session",
	Long: `Append an operation record to a session. The record goes to your open
session unless --session names another one.

File content for file-write comes from --from or, when absent, stdin.`,
}

var recordFileWriteCmd = &cobra.Command{
	Use:   "file-write",
	Short: "Record new content for a path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := repoPath(recordPath)
		if err != nil {
			return err
		}

		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		sessionID, err := recordTarget(env.repo)
		if err != nil {
			return err
		}

		data, mode, err := readContent()
		if err != nil {
			return err
		}
		blobHash, err := env.repo.PutBlob(data)
		if err != nil {
			return err
		}

		payload := oplog.FileWritePayload{
			Path:     path,
			BlobHash: blobHash,
			Size:     uint64(len(data)),
			Mode:     mode,
		}
		seq, err := env.repo.AppendOperation(sessionID, &oplog.Record{
			Type:    oplog.RecordFileWrite,
			Payload: payload.Serialize(),
		})
		if err != nil {
			return err
		}

		fmt.Printf("Recorded file-write %s (seq %d, blob %s, %d bytes)\n",
			path, seq, shortID(blobHash.String()), len(data))
		return nil
	},
}

var recordFileDeleteCmd = &cobra.Command{
	Use:   "file-delete",
	Short: "Record the removal of a path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := repoPath(recordPath)
		if err != nil {
			return err
		}

		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		sessionID, err := recordTarget(env.repo)
		if err != nil {
			return err
		}

		payload := oplog.FileDeletePayload{Path: path}
		seq, err := env.repo.AppendOperation(sessionID, &oplog.Record{
			Type:    oplog.RecordFileDelete,
			Payload: payload.Serialize(),
		})
		if err != nil {
			return err
		}

		fmt.Printf("Recorded file-delete %s (seq %d)\n", path, seq)
		return nil
	},
}

var recordIntentCmd = &cobra.Command{
	Use:   "intent <text>",
	Short: "Record what you set out to do",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return recordNarrative(oplog.RecordIntent, (&oplog.IntentPayload{Text: args[0]}).Serialize())
	},
}

var recordDecisionCmd = &cobra.Command{
	Use:   "decision <text>",
	Short: "Record a decision and its rationale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := oplog.DecisionPayload{Text: args[0], Rationale: recordRationale}
		return recordNarrative(oplog.RecordDecision, payload.Serialize())
	},
}

var recordConversationCmd = &cobra.Command{
	Use:   "conversation-entry <text>",
	Short: "Record one exchange of the session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := oplog.ConversationEntryPayload{Role: recordRole, Text: args[0]}
		return recordNarrative(oplog.RecordConversationEntry, payload.Serialize())
	},
}

var recordCheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Snapshot the session's tree so far",
	Long: `Snapshot the session's tree so far: the base tree with every file
operation recorded up to now applied, stored under its own hash.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		sessionID, err := recordTarget(env.repo)
		if err != nil {
			return err
		}
		treeHash, err := env.repo.Checkpoint(sessionID, recordNote)
		if err != nil {
			return err
		}

		fmt.Printf("Recorded checkpoint %s\n", treeHash)
		return nil
	},
}

// recordNarrative appends a text-bearing record to the target session.
func recordNarrative(typ oplog.RecordType, payload []byte) error {
	env, err := openRepoEnv()
	if err != nil {
		return err
	}
	defer env.close()

	sessionID, err := recordTarget(env.repo)
	if err != nil {
		return err
	}
	seq, err := env.repo.AppendOperation(sessionID, &oplog.Record{
		Type:    typ,
		Payload: payload,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Recorded %s (seq %d)\n", typ, seq)
	return nil
}

// recordTarget resolves which session receives the record: --session
// when given, the caller's open session otherwise.
func recordTarget(r *repo.Repo) (uuid.UUID, error) {
	if recordSession != "" {
		meta, err := resolveSession(r, recordSession)
		if err != nil {
			return uuid.Nil, err
		}
		return meta.ID, nil
	}
	owner, err := agentID()
	if err != nil {
		return uuid.Nil, err
	}
	meta, err := openSessionFor(r, owner)
	if err != nil {
		return uuid.Nil, err
	}
	return meta.ID, nil
}

// repoPath normalizes a --path value to the slash-separated relative
// form stored in records.
func repoPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("--path is required")
	}
	clean := path.Clean(filepath.ToSlash(p))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path must be repository-relative: %s", p)
	}
	return clean, nil
}

// readContent loads file-write content from --from or stdin. The mode
// comes from the source file when there is one.
func readContent() ([]byte, uint32, error) {
	if recordFrom != "" {
		info, err := os.Stat(recordFrom)
		if err != nil {
			return nil, 0, err
		}
		data, err := os.ReadFile(recordFrom)
		if err != nil {
			return nil, 0, err
		}
		return data, uint32(info.Mode().Perm()), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, 0, fmt.Errorf("read stdin: %w", err)
	}
	return data, 0o644, nil
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.AddCommand(recordFileWriteCmd)
	recordCmd.AddCommand(recordFileDeleteCmd)
	recordCmd.AddCommand(recordIntentCmd)
	recordCmd.AddCommand(recordDecisionCmd)
	recordCmd.AddCommand(recordConversationCmd)
	recordCmd.AddCommand(recordCheckpointCmd)

	recordCmd.PersistentFlags().StringVar(&recordSession, "session", "", "Target session (default: your open session)")
	recordFileWriteCmd.Flags().StringVar(&recordPath, "path", "", "Repository-relative path the record is about")
	recordFileWriteCmd.Flags().StringVar(&recordFrom, "from", "", "Local file to read content from (default: stdin)")
	recordFileDeleteCmd.Flags().StringVar(&recordPath, "path", "", "Repository-relative path the record is about")
	recordDecisionCmd.Flags().StringVar(&recordRationale, "rationale", "", "Why the decision went this way")
	recordConversationCmd.Flags().StringVar(&recordRole, "role", "user", "Speaker role for the transcript entry")
	recordCheckpointCmd.Flags().StringVar(&recordNote, "note", "", "Label stored with the checkpoint")
}
