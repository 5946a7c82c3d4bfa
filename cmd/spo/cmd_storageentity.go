package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"spoctl/internal/spo"
)

var (
	seAppCatalogURL string
	seKey           string
	seValue         string
	seDescription   string
	seComment       string
	seConfirm       bool
)

// storageEntityCmd groups the storage entity commands
var storageEntityCmd = &cobra.Command{
	Use:     "storageentity",
	Aliases: []string{"se"},
	Short:   "Manage tenant properties stored on the app catalog",
}

var storageEntitySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update a storage entity",
	Long: `Sets a tenant property on the app catalog site.

The request is sent to the tenant admin site, which is derived from the app
catalog URL (or taken from spo.admin_url). Requires SharePoint administrator
permissions.

Example:
  spo storageentity set --appCatalogUrl https://contoso.sharepoint.com/sites/apps \
    --key apiUrl --value https://api.contoso.com --description "API base URL"`,
	Args: cobra.NoArgs,
	RunE: runStorageEntitySet,
}

var storageEntityGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show a storage entity",
	Args:  cobra.NoArgs,
	RunE:  runStorageEntityGet,
}

var storageEntityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the storage entities of an app catalog",
	Args:  cobra.NoArgs,
	RunE:  runStorageEntityList,
}

var storageEntityRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a storage entity",
	Long:  `Removes a tenant property. Asks for confirmation unless --confirm is given.`,
	Args:  cobra.NoArgs,
	RunE:  runStorageEntityRemove,
}

func init() {
	for _, c := range []*cobra.Command{storageEntitySetCmd, storageEntityGetCmd, storageEntityListCmd, storageEntityRemoveCmd} {
		c.Flags().StringVar(&seAppCatalogURL, "appCatalogUrl", "", "Absolute URL of the app catalog site")
	}
	for _, c := range []*cobra.Command{storageEntitySetCmd, storageEntityGetCmd, storageEntityRemoveCmd} {
		c.Flags().StringVar(&seKey, "key", "", "Name of the tenant property")
	}
	storageEntitySetCmd.Flags().StringVar(&seValue, "value", "", "Value to store")
	storageEntitySetCmd.Flags().StringVar(&seDescription, "description", "", "Description of the property")
	storageEntitySetCmd.Flags().StringVar(&seComment, "comment", "", "Comment for the property")
	storageEntityRemoveCmd.Flags().BoolVar(&seConfirm, "confirm", false, "Do not prompt for confirmation")

	storageEntityCmd.AddCommand(storageEntitySetCmd)
	storageEntityCmd.AddCommand(storageEntityGetCmd)
	storageEntityCmd.AddCommand(storageEntityListCmd)
	storageEntityCmd.AddCommand(storageEntityRemoveCmd)
}

func runStorageEntitySet(cmd *cobra.Command, args []string) error {
	svc, err := newStorageEntities()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	req := spo.StorageEntityRequest{
		AppCatalogURL: seAppCatalogURL,
		Key:           seKey,
		Value:         seValue,
		Description:   seDescription,
		Comment:       seComment,
	}
	if err := svc.Set(ctx, req); err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(),
		fmt.Sprintf("Storage entity %q set", seKey),
		spo.StorageEntity{Key: seKey, Value: seValue, Description: seDescription, Comment: seComment})
}

func runStorageEntityGet(cmd *cobra.Command, args []string) error {
	svc, err := newStorageEntities()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	entity, err := svc.Get(ctx, seAppCatalogURL, seKey)
	if err != nil {
		return err
	}
	return printEntity(cmd.OutOrStdout(), entity)
}

func runStorageEntityList(cmd *cobra.Command, args []string) error {
	svc, err := newStorageEntities()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	entities, err := svc.List(ctx, seAppCatalogURL)
	if err != nil {
		return err
	}
	return printEntities(cmd.OutOrStdout(), entities)
}

func runStorageEntityRemove(cmd *cobra.Command, args []string) error {
	if err := spo.ValidateKey(seAppCatalogURL, seKey); err != nil {
		return err
	}
	if !seConfirm {
		if !confirm(cmd, fmt.Sprintf("Remove storage entity %q from %s?", seKey, seAppCatalogURL)) {
			fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("Aborted"))
			return nil
		}
	}

	svc, err := newStorageEntities()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	if err := svc.Remove(ctx, seAppCatalogURL, seKey); err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(),
		fmt.Sprintf("Storage entity %q removed", seKey),
		map[string]string{"key": seKey, "status": "removed"})
}

// confirm asks a yes/no question on stderr and reads the answer from stdin.
// Anything but y or yes, including EOF, means no.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N] ", question)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
