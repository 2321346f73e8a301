package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/term"

	"github.com/webdeckbuilding/roomsync/card"
	"github.com/webdeckbuilding/roomsync/connect"
	"github.com/webdeckbuilding/roomsync/store"
)

const DeckctlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

const commandsUsage = `Commands:
    create                          Create a room from the local state and print its code.
    join <room>                     Join a room. The local state is replaced by the room state.
    leave                           Leave the room. The last room state is kept locally.
    status                          Show the room state.
    new-game                        Create a default game.
    add-card <cost> <name> [<text>...]
                                    Add a card definition to the market.
    cards                           List the market.
    deck <uid>=<count>...           Set the starting deck composition.
    hand-size <size>                Set the starting hand size.
    add-player <name>               Add a player with a starting deck.
    players                         List the players.
    draw <player_id> [<count>]      Draw a hand, or <count> cards.
    play <player_id> <instance_id>  Play a card from hand.
    discard <player_id> <instance_id>
                                    Discard a card from hand.
    shuffle <player_id>             Shuffle the deck.
    show                            Print the local state as json.
    reset                           Clear the game, market and players.
    help                            Show commands.
    quit                            Leave and exit.`

func main() {
	usage := fmt.Sprintf(`Deck building sandbox client.

Local state is kept in three stores (game, market, players). Creating or joining a room
keeps the stores in sync with everyone else in the room. Reads commands from stdin.

Usage:
    deckctl [--server_url=<server_url>] [--auth_url=<auth_url>] [--player_store=<player_store>] [--v=<level>]
    deckctl commands

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --server_url=<server_url>        Room websocket url [default: %s].
    --auth_url=<auth_url>            Auth service url [default: %s].
    --player_store=<player_store>    File the player store is saved to [default: deckctl-players.json].
                                     Empty to not save.
    --v=<level>                      Log verbosity [default: 0].`,
		connect.DefaultCoordinatorSettings().ServerUrl,
		connect.DefaultCoordinatorSettings().AuthUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DeckctlVersion)
	if err != nil {
		panic(err)
	}

	if commands, _ := opts.Bool("commands"); commands {
		Out.Printf("%s\n", commandsUsage)
		return
	}

	if level, _ := opts.String("--v"); level != "" {
		flag.Set("logtostderr", "true")
		flag.Set("v", level)
	}
	defer glog.Flush()

	settings := connect.DefaultCoordinatorSettings()
	if serverUrl, _ := opts.String("--server_url"); serverUrl != "" {
		settings.ServerUrl = serverUrl
	}
	if authUrl, _ := opts.String("--auth_url"); authUrl != "" {
		settings.AuthUrl = authUrl
	}

	playerSettings := store.DefaultStoreSettings("playerStore")
	playerSettings.PersistPath, _ = opts.String("--player_store")
	stores := store.NewStores(
		store.DefaultStoreSettings("gameStore"),
		store.DefaultStoreSettings("marketStore"),
		playerSettings,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	coordinator := connect.NewCoordinator(ctx, stores.SyncTargets(), settings)
	defer coordinator.Close()

	shell := &deckShell{
		ctx:         ctx,
		stores:      stores,
		coordinator: coordinator,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
	shell.run(os.Stdin)
}

type deckShell struct {
	ctx         context.Context
	stores      *store.Stores
	coordinator *connect.Coordinator
	// prompt only when a person is typing
	interactive bool
}

func (self *deckShell) run(in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		self.prompt()
		select {
		case <-self.ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			args := strings.Fields(line)
			if len(args) == 0 {
				continue
			}
			if args[0] == "quit" || args[0] == "exit" {
				return
			}
			if err := self.command(args[0], args[1:]); err != nil {
				Out.Printf("%s: %s\n", args[0], err)
			}
		}
	}
}

func (self *deckShell) prompt() {
	if !self.interactive {
		return
	}
	status := self.coordinator.Status()
	switch status.State {
	case connect.CoordinatorSynced:
		fmt.Printf("[%s]> ", status.RoomId)
	case connect.CoordinatorConnecting:
		fmt.Printf("[...]> ")
	default:
		fmt.Printf("> ")
	}
}

func (self *deckShell) command(name string, args []string) error {
	switch name {
	case "help":
		Out.Printf("%s\n", commandsUsage)
	case "create":
		roomId, err := self.coordinator.CreateRoom(self.ctx)
		if err != nil {
			return err
		}
		Out.Printf("Room %s\n", roomId)
	case "join":
		if len(args) != 1 {
			return errors.New("join <room>")
		}
		if err := self.coordinator.JoinRoom(self.ctx, args[0]); err != nil {
			return err
		}
		Out.Printf("Joined %s\n", self.coordinator.Status().RoomId)
	case "leave":
		self.coordinator.LeaveRoom()
	case "status":
		status := self.coordinator.Status()
		Out.Printf("%s room=%q connected=%t\n", status.State, status.RoomId, status.IsConnected)
	case "new-game":
		self.stores.Game.CreateGame()
	case "add-card":
		return self.addCard(args)
	case "cards":
		for _, definition := range self.stores.Market.MarketCards() {
			Out.Printf("%s %-16s cost=%d %s\n", definition.Uid, definition.Name, definition.Cost, definition.Text)
		}
	case "deck":
		return self.setDeck(args)
	case "hand-size":
		if len(args) != 1 {
			return errors.New("hand-size <size>")
		}
		size, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return self.stores.Game.SetStartingHandSize(size)
	case "add-player":
		if len(args) == 0 {
			return errors.New("add-player <name>")
		}
		player, err := self.stores.Game.AddPlayerToGame(
			card.NewPlayer(strings.Join(args, " ")),
			self.stores.Market.MarketCards(),
		)
		if err != nil {
			return err
		}
		Out.Printf("Player %s\n", player.PlayerId)
	case "players":
		for _, player := range self.stores.Players.AllPlayers() {
			Out.Printf(
				"%s %-16s deck=%d hand=%d played=%d discard=%d\n",
				player.PlayerId,
				player.Name,
				len(player.Deck),
				len(player.Hand),
				len(player.Played),
				len(player.Discard),
			)
			for _, c := range player.Hand {
				Out.Printf("    %s %s\n", c.InstanceId, c.Definition.Name)
			}
		}
	case "draw":
		return self.draw(args)
	case "play", "discard":
		return self.moveFromHand(name, args)
	case "shuffle":
		if len(args) != 1 {
			return errors.New("shuffle <player_id>")
		}
		self.stores.Players.ShufflePlayerDeck(args[0])
	case "show":
		snapshot := map[string]any{
			"game":    self.stores.Game.Snapshot(),
			"market":  self.stores.Market.Snapshot(),
			"players": self.stores.Players.Snapshot(),
		}
		snapshotBytes, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return err
		}
		Out.Printf("%s\n", snapshotBytes)
	case "reset":
		self.stores.Game.Reset()
	default:
		return errors.New("unknown command, try help")
	}
	return nil
}

func (self *deckShell) addCard(args []string) error {
	if len(args) < 2 {
		return errors.New("add-card <cost> <name> [<text>...]")
	}
	cost, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	definition := card.NewCardDefinition(args[1], strings.Join(args[2:], " "), cost)
	if _, ok := self.stores.Game.Game(); ok {
		if err := self.stores.Game.AddCardToMarket(definition); err != nil {
			return err
		}
	} else {
		self.stores.Market.AddCardDefinition(definition)
	}
	Out.Printf("Card %s\n", definition.Uid)
	return nil
}

func (self *deckShell) setDeck(args []string) error {
	if len(args) == 0 {
		return errors.New("deck <uid>=<count>...")
	}
	composition := map[string]int{}
	for _, arg := range args {
		uid, countStr, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("expected <uid>=<count>, got %q", arg)
		}
		count, err := strconv.Atoi(countStr)
		if err != nil {
			return err
		}
		composition[uid] = count
	}
	return self.stores.Game.SetStartingDeckComposition(composition)
}

func (self *deckShell) draw(args []string) error {
	switch len(args) {
	case 1:
		handSize := card.DefaultStartingHandSize
		if game, ok := self.stores.Game.Game(); ok {
			handSize = game.StartingHandSize
		}
		drawnCards := self.stores.Players.DrawPlayerHand(args[0], handSize)
		Out.Printf("Drew %d\n", len(drawnCards))
	case 2:
		count, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		for range count {
			c, ok := self.stores.Players.DrawPlayerCard(args[0])
			if !ok {
				return errors.New("nothing to draw")
			}
			Out.Printf("Drew %s %s\n", c.InstanceId, c.Definition.Name)
		}
	default:
		return errors.New("draw <player_id> [<count>]")
	}
	return nil
}

func (self *deckShell) moveFromHand(name string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%s <player_id> <instance_id>", name)
	}
	player, ok := self.stores.Players.Player(args[0])
	if !ok {
		return store.ErrNoPlayer
	}
	for _, c := range player.Hand {
		if c.InstanceId != args[1] {
			continue
		}
		var moved bool
		if name == "play" {
			moved = self.stores.Players.PlayPlayerCard(player.PlayerId, c)
		} else {
			moved = self.stores.Players.DiscardPlayerCard(player.PlayerId, c, card.ZoneHand)
		}
		if !moved {
			return errors.New("card did not move")
		}
		return nil
	}
	return errors.New("no such card in hand")
}
