package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"papermill/internal/taskerr"
)

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var opts convertOptions

	cmd := &cobra.Command{
		Use:   "convert <key>",
		Short: "Convert a document through the daemon",
		Long: "Submit a conversion episode to the papermill daemon. The source is fetched\n" +
			"from --url or read from --file, converted to --to, and the result URL is\n" +
			"printed when the episode completes.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args[0])
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Convert(cmd.Context(), req)
			if err != nil {
				return err
			}
			return renderEpisode(cmd, resp, opts.jsonOutput)
		},
	}

	opts.register(cmd)
	return cmd
}

func newBuilderCommand(ctx *commandContext) *cobra.Command {
	var opts convertOptions

	cmd := &cobra.Command{
		Use:   "builder <key>",
		Short: "Run a document builder script through the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args[0])
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Builder(cmd.Context(), req)
			if err != nil {
				return err
			}
			return renderEpisode(cmd, resp, opts.jsonOutput)
		},
	}

	opts.register(cmd)
	return cmd
}

type convertOptions struct {
	url        string
	file       string
	fileType   string
	outputType string
	title      string
	password   string
	codepage   int
	delimiter  int
	lcid       int
	async      bool
	jsonOutput bool
}

func (o *convertOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.url, "url", "", "Source document URL")
	cmd.Flags().StringVar(&o.file, "file", "", "Local source file sent inline")
	cmd.Flags().StringVar(&o.fileType, "from", "", "Source format (defaults to the URL or file extension)")
	cmd.Flags().StringVar(&o.outputType, "to", "", "Target format (for example pdf or docx)")
	cmd.Flags().StringVar(&o.title, "title", "", "Output document title")
	cmd.Flags().StringVar(&o.password, "password", "", "Password for protected source documents")
	cmd.Flags().IntVar(&o.codepage, "codepage", 0, "Code page for plain text sources")
	cmd.Flags().IntVar(&o.delimiter, "delimiter", 0, "Column delimiter for CSV sources")
	cmd.Flags().IntVar(&o.lcid, "lcid", 0, "Locale identifier for the conversion")
	cmd.Flags().BoolVar(&o.async, "async", false, "Return immediately with an episode key instead of waiting")
	cmd.Flags().BoolVar(&o.jsonOutput, "json", false, "Emit the raw daemon response as JSON")
}

func (o *convertOptions) request(key string) (convertRequest, error) {
	req := convertRequest{
		Key:        key,
		URL:        strings.TrimSpace(o.url),
		FileType:   strings.TrimSpace(o.fileType),
		OutputType: strings.TrimSpace(o.outputType),
		Title:      o.title,
		Password:   o.password,
		Codepage:   o.codepage,
		Delimiter:  o.delimiter,
		LCID:       o.lcid,
		Async:      o.async,
	}

	if file := strings.TrimSpace(o.file); file != "" {
		if req.URL != "" {
			return convertRequest{}, fmt.Errorf("--url and --file are mutually exclusive")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return convertRequest{}, fmt.Errorf("read source file: %w", err)
		}
		req.Data = string(data)
		if req.FileType == "" {
			req.FileType = extensionOf(file)
		}
	}
	if req.URL == "" && req.Data == "" {
		return convertRequest{}, fmt.Errorf("a source is required; pass --url or --file")
	}
	if req.FileType == "" && req.URL != "" {
		req.FileType = extensionOf(req.URL)
	}
	return req, nil
}

func extensionOf(name string) string {
	name = strings.TrimSpace(name)
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 && idx < len(name)-1 {
		return strings.ToLower(name[idx+1:])
	}
	return ""
}

func renderEpisode(cmd *cobra.Command, resp *convertResponse, asJSON bool) error {
	if asJSON {
		return writeJSON(cmd, resp)
	}

	out := cmd.OutOrStdout()
	switch {
	case resp.Error != 0:
		return fmt.Errorf("conversion failed: %s (%d)", taskerr.Code(resp.Error), resp.Error)
	case resp.EndConvert:
		fmt.Fprintln(out, resp.FileURL)
	case resp.Key != "":
		fmt.Fprintf(out, "Episode %s accepted; poll with the same key for the result URL\n", resp.Key)
	default:
		fmt.Fprintln(out, "Conversion pending")
	}
	return nil
}
