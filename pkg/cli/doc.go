/*
Package cli provides the helpers shared by the secrets-router commands.

Output Formatting:

Results render as aligned columns or indented JSON:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, result); err != nil {
		return err
	}

Values implementing Tabular render through their Table in table mode.

API Client:

Client drives the approval API of a running server:

	c, err := cli.NewClient("https://secrets-router:8080", token)
	pending, err := c.ListApprovals(ctx, approval.Filter{State: approval.StatePending})
	_, err = c.Approve(ctx, id, "change ticket 42")

Error answers are returned as *APIError.

Signal Handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()

Exit Codes:

ExitCode maps command errors to process status: 2 for configuration
errors, 3 for requests the server refused, 4 for requests held for
approval, and 1 otherwise.
*/
package cli
