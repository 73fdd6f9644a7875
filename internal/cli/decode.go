package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"phaseforge/internal/scof"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <file|->",
	Short: "Decode a SCOF stream into YAML",
	Long: `Parse a recorded SCOF implementation stream and print the files and install
commands it contains as YAML. File contents are omitted unless --contents is
set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		withContents, _ := cmd.Flags().GetBool("contents")

		res, err := scof.Decode(text)
		if err != nil && res == nil {
			return fmt.Errorf("decode: %w", err)
		}
		out := decodeOutput{
			Files:           res.OrderedFiles(),
			InstallCommands: res.ExtractedInstallCommands,
			Notes:           res.Notes,
		}
		if err != nil {
			out.Error = err.Error()
		}
		if !withContents {
			for i := range out.Files {
				out.Files[i].Contents = ""
			}
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	},
}

func init() {
	decodeCmd.Flags().Bool("contents", false, "Include file contents")
}

type decodeOutput struct {
	Files           []scof.FileOutput `yaml:"files"`
	InstallCommands []string          `yaml:"install_commands,omitempty"`
	Notes           []string          `yaml:"notes,omitempty"`
	Error           string            `yaml:"error,omitempty"`
}

// readInput reads a file, or stdin when name is "-".
func readInput(cmd *cobra.Command, name string) (string, error) {
	var data []byte
	var err error
	if name == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}
