package dwdcheck

import (
	"fmt"

	"github.com/dwdcheck/dwdcheck/internal/scopes"
	"github.com/dwdcheck/dwdcheck/internal/services/drive"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newDriveCommand(cfg *Config, log logrus.FieldLogger) *cobra.Command {
	var (
		keyFile     string
		impersonate string
		list        bool
		folder      string
		download    string
		share       string
		csvPath     string
	)

	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Access Drive as an impersonated user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ops := make([]scopes.Operation, 0)
			if list || folder != "" {
				ops = append(ops, scopes.DriveList)
			}
			if download != "" {
				ops = append(ops, scopes.DriveDownload)
			}
			if share != "" {
				ops = append(ops, scopes.DriveShare)
			}
			if len(ops) == 0 {
				return fmt.Errorf("nothing to do, use --list, --download or --share")
			}

			token, err := mintToken(ctx, cfg, log, keyFile, impersonate, ops)
			if err != nil {
				return err
			}

			client, err := drive.New(ctx, token, log)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if list || folder != "" {
				files, err := client.List(ctx, folder, csvPath)
				if err != nil {
					return err
				}

				for _, file := range files {
					fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", file.ID, file.Name, file.Size, file.MimeType)
				}
				fmt.Fprintf(out, "\n%d file(s) visible to %s\n", len(files), impersonate)
			}

			if download != "" {
				path, err := client.Download(ctx, download, cfg.DownloadsDir)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "downloaded to %s\n", path)
			}

			if share != "" {
				shared, err := client.ShareFolders(ctx, share)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "shared %d folder(s) with %s\n", shared, share)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "service account key file to sign with")
	cmd.Flags().StringVar(&impersonate, "impersonate", "", "domain user to impersonate")
	cmd.Flags().BoolVar(&list, "list", false, "list the user's files")
	cmd.Flags().StringVar(&folder, "folder", "", "list one folder instead of the whole drive")
	cmd.Flags().StringVar(&download, "download", "", "file id to download")
	cmd.Flags().StringVar(&share, "share", "", "share all folders with this address as reader")
	cmd.Flags().StringVar(&csvPath, "csv", "", "append the listing to this csv file")

	return cmd
}
