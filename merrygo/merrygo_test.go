package merrygo

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testGuildID         = "guild-1"
	testCommandChannel  = "channel-commands"
	testTargetChannelID = "channel-general"
	testLogChannelID    = "channel-modlog"
)

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbPath)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(newHandler(slog.LevelDebug)).With("test_name", t.Name())
}

func testConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "merrygo_test.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-application"
	cfg.Discord.StartupMessage = ""
	cfg.API.Listen = "127.0.0.1:0"
	cfg.LogLevel.Set(slog.LevelDebug)
	cfg.DatabaseLogLevel.Set(slog.LevelWarn)
	cfg.StartupTimeout = 30 * time.Second
	cfg.ShutdownTimeout = 30 * time.Second
	return cfg
}

// newTestBot returns a MerryGo with an open database, a mock discord
// session, and a delivery queue with no spacing between sends
func newTestBot(t testing.TB) (*MerryGo, *mockDiscordSession) {
	t.Helper()
	return newTestBotWithConfig(t, testConfig(t))
}

func newTestBotWithConfig(t testing.TB, cfg *Config) (*MerryGo, *mockDiscordSession) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bot, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	bot.discord.session = session
	bot.delivery = NewDeliveryQueue(
		bot.discord,
		DeliveryConfig{DefaultRetryAfter: 10 * time.Millisecond},
		bot.logger.With("test_name", t.Name()),
		WithDropHandler(bot.recordDroppedMessage),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	require.NoError(t, bot.initRun(ctx))

	t.Cleanup(
		func() {
			waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer waitCancel()
			_ = bot.delivery.Wait(waitCtx)
			if sqlDB, _ := bot.db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return bot, session
}

type sentDiscordMessage struct {
	ChannelID string
	Message   *discordgo.MessageSend
}

// mockDiscordSession implements DiscordSessionHandler in memory.
// Channel history is stored newest first.
type mockDiscordSession struct {
	mu sync.Mutex

	history     map[string][]*discordgo.Message
	roles       map[string][]*discordgo.Role
	members     map[string]*discordgo.Member
	sent        []sentDiscordMessage
	bulkDeletes map[string][][]string
	roleAdds    []string
	commands    []*discordgo.ApplicationCommand
	identify    discordgo.Identify
	status      string
	opened      bool
	closed      bool

	historyErr     error
	panicOnHistory bool
	historyAfter   []string
	roleCreateErr  error
	roleAddErr     error
	bulkDeleteErr  func(chunk []string) error
	sendErr        func(channelID string, msg *discordgo.MessageSend) error

	nextID atomic.Int64
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		history:     map[string][]*discordgo.Message{},
		roles:       map[string][]*discordgo.Role{},
		members:     map[string]*discordgo.Member{},
		bulkDeletes: map[string][][]string{},
	}
}

func (d *mockDiscordSession) id(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, d.nextID.Add(1))
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (*mockDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		if err := d.sendErr(channelID, data); err != nil {
			return nil, err
		}
	}
	d.sent = append(d.sent, sentDiscordMessage{ChannelID: channelID, Message: data})
	return &discordgo.Message{ID: d.id("message"), ChannelID: channelID, Content: data.Content}, nil
}

func (d *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicOnHistory {
		panic("history exploded")
	}
	if d.historyErr != nil {
		return nil, d.historyErr
	}
	d.historyAfter = append(d.historyAfter, afterID)

	// history is kept newest first, like discord returns it
	msgs := d.history[channelID]
	indexOf := func(id string) int {
		return slices.IndexFunc(
			msgs, func(m *discordgo.Message) bool {
				return m.ID == id
			},
		)
	}

	if afterID != "" {
		// the oldest messages newer than afterID, which is either a
		// message ID or a bare snowflake
		newer := msgs[:0:0]
		if idx := indexOf(afterID); idx >= 0 {
			newer = msgs[:idx]
		} else {
			ts, err := discordgo.SnowflakeTimestamp(afterID)
			if err != nil {
				return nil, err
			}
			for _, m := range msgs {
				if m.Timestamp.After(ts) {
					newer = append(newer, m)
				}
			}
		}
		start := max(0, len(newer)-limit)
		return append([]*discordgo.Message(nil), newer[start:]...), nil
	}

	start := 0
	if beforeID != "" {
		start = indexOf(beforeID) + 1
	}
	end := min(start+limit, len(msgs))
	return append([]*discordgo.Message(nil), msgs[start:end]...), nil
}

func (d *mockDiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bulkDeleteErr != nil {
		if err := d.bulkDeleteErr(messages); err != nil {
			return err
		}
	}
	d.bulkDeletes[channelID] = append(d.bulkDeletes[channelID], append([]string(nil), messages...))
	return nil
}

func (d *mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	member, ok := d.members[guildID+"/"+userID]
	if !ok {
		return nil, newRESTError(http.StatusNotFound, nil)
	}
	return member, nil
}

func (d *mockDiscordSession) GuildRoles(guildID string, _ ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.Role(nil), d.roles[guildID]...), nil
}

func (d *mockDiscordSession) GuildRoleCreate(
	guildID string,
	data *discordgo.RoleParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.roleCreateErr != nil {
		return nil, d.roleCreateErr
	}
	role := &discordgo.Role{ID: d.id("role"), Name: data.Name}
	d.roles[guildID] = append(d.roles[guildID], role)
	return role, nil
}

func (d *mockDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.roleAddErr != nil {
		return d.roleAddErr
	}
	d.roleAdds = append(d.roleAdds, guildID+"/"+userID+"/"+roleID)
	return nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = nil
	for _, c := range commands {
		created := *c
		created.ID = d.id("command")
		d.commands = append(d.commands, &created)
	}
	return d.commands, nil
}

func (*mockDiscordSession) InteractionRespond(
	*discordgo.Interaction,
	*discordgo.InteractionResponse,
	...discordgo.RequestOption,
) error {
	return nil
}

func (*mockDiscordSession) InteractionResponseEdit(
	*discordgo.Interaction,
	*discordgo.WebhookEdit,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
	return nil
}

func (d *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identify = i
}

func (*mockDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (d *mockDiscordSession) addHistory(channelID string, msgs ...*discordgo.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history[channelID] = append(d.history[channelID], msgs...)
}

func (d *mockDiscordSession) addMember(guildID string, member *discordgo.Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[guildID+"/"+member.User.ID] = member
}

func (d *mockDiscordSession) addRole(guildID string, role *discordgo.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[guildID] = append(d.roles[guildID], role)
}

func (d *mockDiscordSession) sentTo(channelID string) []*discordgo.MessageSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	var msgs []*discordgo.MessageSend
	for _, s := range d.sent {
		if s.ChannelID == channelID {
			msgs = append(msgs, s.Message)
		}
	}
	return msgs
}

func (d *mockDiscordSession) sentContents(channelID string) []string {
	var contents []string
	for _, msg := range d.sentTo(channelID) {
		contents = append(contents, msg.Content)
	}
	return contents
}

func (d *mockDiscordSession) deleted(channelID string) [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]string(nil), d.bulkDeletes[channelID]...)
}

func (d *mockDiscordSession) assignedRoles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.roleAdds...)
}

func newRESTError(status int, header http.Header) *discordgo.RESTError {
	if header == nil {
		header = http.Header{}
	}
	return &discordgo.RESTError{
		Response: &http.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
			Header:     header,
		},
		ResponseBody: []byte(`{}`),
	}
}

// stubInteractionHandler records interaction responses and edits
type stubInteractionHandler struct {
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	mu         sync.Mutex
	responses  []*discordgo.InteractionResponse
	edits      []*discordgo.WebhookEdit
	respondErr error
}

func newStubInteractionHandler(t testing.TB, i *discordgo.InteractionCreate) *stubInteractionHandler {
	t.Helper()
	return &stubInteractionHandler{
		interaction: i,
		logger:      slog.Default().With("test_name", t.Name()),
	}
}

func (s *stubInteractionHandler) Respond(_ context.Context, r *discordgo.InteractionResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return s.respondErr
}

func (s *stubInteractionHandler) Edit(_ context.Context, e *discordgo.WebhookEdit) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, e)
	return &discordgo.Message{}, nil
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

func (s *stubInteractionHandler) Responses() []*discordgo.InteractionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*discordgo.InteractionResponse(nil), s.responses...)
}

func (s *stubInteractionHandler) Edits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var contents []string
	for _, e := range s.edits {
		if e.Content != nil {
			contents = append(contents, *e.Content)
		}
	}
	return contents
}

// lastResponseContent returns the content of the most recent response
func (s *stubInteractionHandler) lastResponseContent(t testing.TB) string {
	t.Helper()
	responses := s.Responses()
	require.NotEmpty(t, responses)
	last := responses[len(responses)-1]
	require.NotNil(t, last.Data)
	return last.Data.Content
}

func newDiscordUser(t testing.TB, username string) *discordgo.User {
	t.Helper()
	return &discordgo.User{
		ID:       "user-" + uuid.NewString()[:8],
		Username: username,
	}
}

// newCommandInteraction returns a guild slash command interaction from
// invoker, who has the given permissions
func newCommandInteraction(
	t testing.TB,
	name string,
	invoker *discordgo.User,
	permissions int64,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-" + uuid.NewString(),
			AppID:     "test-application",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: testCommandChannel,
			Member:    &discordgo.Member{User: invoker, Permissions: permissions},
			Data: discordgo.ApplicationCommandInteractionData{
				ID:      "command-" + name,
				Name:    name,
				Options: options,
				Resolved: &discordgo.ApplicationCommandInteractionDataResolved{
					Users:    map[string]*discordgo.User{},
					Channels: map[string]*discordgo.Channel{},
					Roles:    map[string]*discordgo.Role{},
				},
			},
		},
	}
}

func resolved(i *discordgo.InteractionCreate) *discordgo.ApplicationCommandInteractionDataResolved {
	return i.ApplicationCommandData().Resolved
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_FillsDefaults(t *testing.T) {
	cfg := testConfig(t)
	cfg.Delivery = nil
	cfg.Commands = nil
	cfg.Redis = nil
	cfg.Discord.LogLevel = nil

	bot, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, bot.config.Delivery)
	assert.Equal(t, DefaultDeliveryMinSpacing, bot.config.Delivery.MinSpacing)
	assert.Equal(t, DefaultDeliveryMessageDelay, bot.config.Delivery.MessageDelay)
	assert.Equal(t, DefaultDeliveryRetryAfter, bot.config.Delivery.DefaultRetryAfter)
	require.NotNil(t, bot.config.Commands)
	assert.Equal(t, DefaultMuteRoleName, bot.config.Commands.MuteRoleName)
	require.NotNil(t, bot.config.Discord.LogLevel)
	assert.NoError(t, bot.ValidateConfig())
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr bool
	}{
		{name: "valid", modify: func(*Config) {}},
		{
			name:    "missing token",
			modify:  func(cfg *Config) { cfg.Discord.Token = "" },
			wantErr: true,
		},
		{
			name:    "negative spacing",
			modify:  func(cfg *Config) { cfg.Delivery.MinSpacing = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero default retry after",
			modify:  func(cfg *Config) { cfg.Delivery.DefaultRetryAfter = 0 },
			wantErr: true,
		},
		{
			name:    "history max age over 14 days",
			modify:  func(cfg *Config) { cfg.Commands.HistoryMaxAge = 15 * 24 * time.Hour },
			wantErr: true,
		},
		{
			name:    "empty mute role name",
			modify:  func(cfg *Config) { cfg.Commands.MuteRoleName = "" },
			wantErr: true,
		},
		{
			name:    "invalid listen network",
			modify:  func(cfg *Config) { cfg.API.ListenNetwork = "udp" },
			wantErr: true,
		},
		{
			name: "api disabled without listen address",
			modify: func(cfg *Config) {
				cfg.API.Enabled = false
				cfg.API.Listen = ""
				cfg.API.ListenNetwork = ""
			},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := testConfig(t)
				tc.modify(cfg)
				bot, err := New(cfg)
				require.NoError(t, err)
				if tc.wantErr {
					assert.Error(t, bot.ValidateConfig())
				} else {
					assert.NoError(t, bot.ValidateConfig())
				}
			},
		)
	}
}

func TestRun(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	cfg.Discord.NotificationChannelID = "channel-status"

	bot, err := New(cfg)
	require.NoError(t, err)
	session := newMockDiscordSession()
	bot.discord.session = session

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case err = <-runErr:
		t.Fatalf("error starting bot: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for bot to start")
	}

	session.mu.Lock()
	assert.True(t, session.opened)
	assert.Len(t, session.commands, 3)
	assert.Equal(t, DefaultDiscordGatewayIntent, session.identify.Intents)
	session.mu.Unlock()

	_, err = bot.Enqueue("channel-1", Payload{Content: "first"})
	require.NoError(t, err)
	_, err = bot.Enqueue("channel-1", Payload{Content: "second"})
	require.NoError(t, err)

	bot.Stop()

	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for bot to stop")
	}

	// queued messages are delivered before Run returns
	assert.Equal(t, []string{"first", "second"}, session.sentContents("channel-1"))
	session.mu.Lock()
	assert.True(t, session.closed)
	session.mu.Unlock()

	select {
	case <-bot.eventShutdown:
	default:
		t.Fatal("expected shutdown event")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discord.Token = ""
	bot, err := New(cfg)
	require.NoError(t, err)
	bot.discord.session = newMockDiscordSession()

	assert.Error(t, bot.Run(context.Background()))
}

func TestHandleInteraction_LogsInteraction(t *testing.T) {
	bot, _ := newTestBot(t)
	admin := newDiscordUser(t, "captain")
	i := newCommandInteraction(
		t,
		DiscordSlashCommandModLog,
		admin,
		discordgo.PermissionAdministrator,
		&discordgo.ApplicationCommandInteractionDataOption{
			Name:  modLogOptionChannel,
			Type:  discordgo.ApplicationCommandOptionChannel,
			Value: testLogChannelID,
		},
	)
	handler := newStubInteractionHandler(t, i)
	bot.handleInteraction(context.Background(), handler)

	var interactionLog InteractionLog
	require.NoError(t, bot.db.Where("interaction_id = ?", i.ID).Take(&interactionLog).Error)
	assert.Equal(t, admin.ID, interactionLog.UserID)
	assert.Equal(t, DiscordSlashCommandModLog, interactionLog.Command)
	assert.Equal(t, testGuildID, interactionLog.GuildID)
	assert.NotEmpty(t, interactionLog.Payload)
}

func TestHandleInteraction_IgnoresBots(t *testing.T) {
	bot, _ := newTestBot(t)
	botUser := newDiscordUser(t, "another-bot")
	botUser.Bot = true
	i := newCommandInteraction(t, DiscordSlashCommandModLog, botUser, discordgo.PermissionAdministrator)
	handler := newStubInteractionHandler(t, i)
	bot.handleInteraction(context.Background(), handler)

	assert.Empty(t, handler.Responses())
}

func TestHandleInteraction_RequiresGuild(t *testing.T) {
	bot, _ := newTestBot(t)
	u := newDiscordUser(t, "sailor")
	i := newCommandInteraction(t, DiscordSlashCommandClean, u, 0)
	i.GuildID = ""
	i.Member = nil
	i.User = u

	handler := newStubInteractionHandler(t, i)
	bot.handleInteraction(context.Background(), handler)
	assert.Equal(t, "This command can only be used in a server.", handler.lastResponseContent(t))
}

func TestHandleInteraction_GuildRateLimit(t *testing.T) {
	bot, _ := newTestBot(t)
	admin := newDiscordUser(t, "captain")

	var lastHandler *stubInteractionHandler
	for range DefaultCommandGuildBurst + 1 {
		i := newCommandInteraction(
			t,
			DiscordSlashCommandMuteRole,
			admin,
			discordgo.PermissionAdministrator,
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:  muteRoleOptionRole,
				Type:  discordgo.ApplicationCommandOptionRole,
				Value: "role-muted",
			},
		)
		lastHandler = newStubInteractionHandler(t, i)
		bot.handleInteraction(context.Background(), lastHandler)
	}
	assert.Contains(t, lastHandler.lastResponseContent(t), "Slow down")
	assert.Equal(t, int64(1), bot.metricCommandsThrottled.Load())
}

func TestHandleInteraction_UnknownCommand(t *testing.T) {
	bot, _ := newTestBot(t)
	i := newCommandInteraction(t, "plunder", newDiscordUser(t, "sailor"), 0)
	handler := newStubInteractionHandler(t, i)
	bot.handleInteraction(context.Background(), handler)
	assert.Equal(t, DefaultDiscordErrorMessage, handler.lastResponseContent(t))
}

func TestRuntimeGroup(t *testing.T) {
	g := &runtimeGroup{}

	release := make(chan struct{})
	var finished atomic.Bool
	require.True(
		t,
		g.Go(
			func() {
				<-release
				finished.Store(true)
			},
		),
	)

	waited := make(chan struct{})
	go func() {
		g.Wait()
		close(waited)
	}()

	// Wait closes the group before blocking on running work
	require.Eventually(
		t,
		func() bool {
			g.mu.Lock()
			defer g.mu.Unlock()
			return g.closed
		},
		time.Second,
		time.Millisecond,
	)
	assert.False(t, g.Go(func() { t.Error("ran after Wait") }))

	select {
	case <-waited:
		t.Fatal("Wait returned before running work finished")
	default:
	}
	close(release)

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
	assert.True(t, finished.Load())
}

func TestHandlerInteractionCreate_IgnoredAfterShutdown(t *testing.T) {
	bot, _ := newTestBot(t)
	admin := newDiscordUser(t, "captain")

	var mu sync.Mutex
	var handlers []*stubInteractionHandler
	bot.getInteractionHandlerFunc = func(_ context.Context, i *discordgo.InteractionCreate) InteractionHandler {
		h := newStubInteractionHandler(t, i)
		mu.Lock()
		handlers = append(handlers, h)
		mu.Unlock()
		return h
	}
	modLog := func() *discordgo.InteractionCreate {
		return newCommandInteraction(
			t,
			DiscordSlashCommandModLog,
			admin,
			discordgo.PermissionAdministrator,
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:  modLogOptionChannel,
				Type:  discordgo.ApplicationCommandOptionChannel,
				Value: testLogChannelID,
			},
		)
	}

	runtime := &runtimeGroup{}
	onInteraction := bot.handlerInteractionCreate(context.Background(), runtime)

	onInteraction(nil, modLog())
	runtime.Wait()
	assert.Equal(t, int64(1), bot.metricInteractionsHandled.Load())

	onInteraction(nil, modLog())
	assert.Equal(t, int64(1), bot.metricInteractionsHandled.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handlers, 2)
	assert.Empty(t, handlers[1].Responses())
}

func TestHandleRecover(t *testing.T) {
	bot, session := newTestBot(t)
	session.panicOnHistory = true

	moderator := newDiscordUser(t, "captain")
	target := newDiscordUser(t, "troublemaker")
	i := cleanInteraction(t, moderator, target, &discordgo.Channel{ID: testTargetChannelID, Name: "general"})
	handler := newStubInteractionHandler(t, i)

	assert.NotPanics(
		t, func() {
			bot.handleInteraction(context.Background(), handler)
		},
	)
	assert.Equal(t, int64(0), bot.cleanCommandsInProgress.Load())

	var record CleanupCommand
	require.NoError(t, bot.db.Where("interaction_id = ?", i.ID).Take(&record).Error)
	assert.Equal(t, CleanupStateRunning, record.State)
}

func TestStatus(t *testing.T) {
	bot, _ := newTestBot(t)
	bot.startedAt = time.Now().Add(-time.Minute)
	bot.discord.connected.Store(true)

	_, err := bot.Enqueue("channel-1", Payload{Content: "ahoy"})
	require.NoError(t, err)
	waitForQueue(t, bot.delivery)

	status := bot.Status()
	assert.True(t, status.DiscordConnected)
	assert.Equal(t, int64(1), status.Delivery.Delivered)
	assert.Equal(t, int64(1), status.MessagesSent)
	assert.Nil(t, status.Delivery.Destinations)
	assert.NotEmpty(t, status.Uptime)
}

func TestEnqueue_InvalidDestination(t *testing.T) {
	bot, _ := newTestBot(t)
	_, err := bot.Enqueue("", Payload{Content: "nowhere"})
	assert.True(t, errors.Is(err, ErrInvalidDestination))
}
