package main

import (
    "context"
    "crypto/rand"
    "encoding/hex"
    "encoding/json"
    "flag"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/google/uuid"

    "github.com/zmlAEQ/quorum-node/internal/bls"
    "github.com/zmlAEQ/quorum-node/internal/chain"
    "github.com/zmlAEQ/quorum-node/internal/monitoring"
    "github.com/zmlAEQ/quorum-node/internal/p2p"
    "github.com/zmlAEQ/quorum-node/internal/quorum"
    "github.com/zmlAEQ/quorum-node/internal/registry"
    "github.com/zmlAEQ/quorum-node/pkg/bus"
    "github.com/zmlAEQ/quorum-node/pkg/lifecycle"
    "github.com/zmlAEQ/quorum-node/pkg/logger"
)

// inboundMsg is the bus payload for network ingress.
type inboundMsg struct {
    peerID  string
    command string
    raw     []byte
}

// logPunisher forwards misbehavior to logs; a full node plugs the PoSe
// scoring backend in here.
type logPunisher struct{}

func (logPunisher) Punish(peerID string, score int, reason string) {
    logger.InfoJ("pose_punish", map[string]any{"peer": peerID, "score": score, "reason": reason})
}

// logSink records finalized commitments; the mining subsystem consumes them
// out-of-band in a full node.
type logSink struct{}

func (logSink) AddMineableCommitment(fc *quorum.FinalCommitment) {
    b, _ := json.Marshal(fc)
    logger.InfoJ("mineable_commitment", map[string]any{"commitment": string(b)})
}

func main() {
    var (
        monAddr       string
        protxHex      string
        operatorHex   string
        membersPath   string
        typeNames     string
        watchQuorums  bool
        maxPerPeer    int
        sleepFactor   float64
        drainBatch    int
        blockSpacing  time.Duration
        sporkAllConn  bool
        sporkPose     bool
        p2pEnable     bool
        p2pListen     string
        p2pBoot       string
        p2pNAT        bool
        devnetMine    time.Duration
    )
    flag.StringVar(&monAddr, "monitoring", "127.0.0.1:4620", "Monitoring listen address")
    flag.StringVar(&protxHex, "protx", "", "Local masternode proTxHash (hex, 32 bytes)")
    flag.StringVar(&operatorHex, "operator-key", "", "Local BLS operator secret key (hex, 32 bytes)")
    flag.StringVar(&membersPath, "members", "", "Path to the masternode list JSON (devnet registry)")
    flag.StringVar(&typeNames, "quorum-types", "quorum_test", "Comma-separated quorum type names to run")
    flag.BoolVar(&watchQuorums, "watch-quorums", false, "Watch quorums this node is not a member of")
    flag.IntVar(&maxPerPeer, "max-messages-per-peer", 0, "Buffered DKG messages per peer and type (0 = 2x quorum size)")
    flag.Float64Var(&sleepFactor, "phase-sleep-factor", 0.5, "Scheduler pre-phase jitter factor")
    flag.IntVar(&drainBatch, "drain-batch-size", 16, "Messages popped per drain iteration")
    flag.DurationVar(&blockSpacing, "block-spacing", 150*time.Second, "Expected inter-block time for phase smearing")
    flag.BoolVar(&sporkAllConn, "spork.all-connected", false, "Treat the all-members-connected spork as active")
    flag.BoolVar(&sporkPose, "spork.pose", false, "Treat the quorum PoSe spork as active")
    flag.BoolVar(&p2pEnable, "p2p.enable", false, "Enable P2P transport (libp2p+gossipsub, behind 'p2p' build tag)")
    flag.StringVar(&p2pListen, "p2p.listen", "", "P2P listen multiaddr (e.g. /ip4/0.0.0.0/tcp/31000)")
    flag.StringVar(&p2pBoot, "p2p.bootnodes", "", "Comma-separated bootnode multiaddrs or path to file")
    flag.BoolVar(&p2pNAT, "p2p.nat", false, "Enable NAT port mapping")
    flag.DurationVar(&devnetMine, "devnet.mine-interval", 0, "Extend an in-process devnet chain at this interval (0 = off)")
    flag.Parse()

    ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer cancel()

    var types []quorum.Type
    for _, name := range strings.Split(typeNames, ",") {
        name = strings.TrimSpace(name)
        if name == "" {
            continue
        }
        p, ok := quorum.ParamsByName(name)
        if !ok {
            logger.Error("unknown quorum type: " + name)
            os.Exit(1)
        }
        types = append(types, p.Type)
    }

    var myProTx chain.Hash
    if protxHex != "" {
        b, err := hex.DecodeString(protxHex)
        if err != nil || len(b) != len(myProTx) {
            logger.Error("invalid -protx")
            os.Exit(1)
        }
        copy(myProTx[:], b)
    }
    var opKey *bls.SecretKey
    if operatorHex != "" {
        b, err := hex.DecodeString(operatorHex)
        if err != nil {
            logger.Error("invalid -operator-key")
            os.Exit(1)
        }
        opKey, err = bls.SecretKeyFromBytes(b)
        if err != nil {
            logger.Error("invalid -operator-key: " + err.Error())
            os.Exit(1)
        }
    }

    reg := registry.NewMemoryRegistry(nil)
    if membersPath != "" {
        mns, err := loadMembers(membersPath)
        if err != nil {
            logger.Error("load members: " + err.Error())
            os.Exit(1)
        }
        reg.SetList(mns)
    }

    memChain := chain.NewMemoryChain()
    b := bus.New(256)

    transport, err := p2p.StartTransportIfEnabled(ctx, buildNetConfig(p2pEnable, p2pListen, p2pBoot, p2pNAT))
    if err != nil {
        logger.Error(err.Error())
        os.Exit(1)
    }
    if transport == nil {
        transport = p2p.NewNoopTransport()
    }
    transport.OnQuorumMessage(func(peerID, command string, raw []byte) {
        b.Publish(ctx, bus.Event{Kind: bus.KindQuorumMsg, Body: inboundMsg{peerID: peerID, command: command, raw: raw}, TraceID: uuid.NewString()})
    })

    mgr, err := quorum.NewManager(quorum.ManagerConfig{
        Types:              types,
        WatchQuorums:       watchQuorums,
        MaxMessagesPerPeer: maxPerPeer,
        PhaseSleepFactor:   sleepFactor,
        DrainBatchSize:     drainBatch,
        BlockSpacing:       blockSpacing,
        MyProTxHash:        myProTx,
        OperatorKey:        opKey,
    }, quorum.ManagerDeps{
        Chain:     memChain,
        Registry:  reg,
        Meta:      registry.NewMetaStore(),
        Punisher:  logPunisher{},
        Sporks:    quorum.StaticSporks{AllConnected: sporkAllConn, PoSe: sporkPose},
        ConnMan:   transport,
        Sink:      logSink{},
        Broadcast: transport,
    })
    if err != nil {
        logger.Error(err.Error())
        os.Exit(1)
    }

    m := lifecycle.New()
    m.Add(monitoring.New(monAddr, func() any { return mgr.Status() }))
    m.Add(p2p.NewNetService(transport))
    m.Add(mgr)

    // Bus dispatcher: fans tips and network messages into the coordinator.
    go func() {
        sub := b.Subscribe()
        for {
            select {
            case <-ctx.Done():
                return
            case ev := <-sub:
                switch ev.Kind {
                case bus.KindBlockTip:
                    if tip, ok := ev.Body.(*chain.BlockIndex); ok {
                        mgr.UpdatedBlockTip(tip)
                    }
                case bus.KindQuorumMsg:
                    if msg, ok := ev.Body.(inboundMsg); ok {
                        mgr.ProcessMessage(msg.peerID, msg.command, msg.raw)
                    }
                }
            }
        }
    }()

    // Devnet miner: drives rounds without an external chain.
    if devnetMine > 0 {
        go func() {
            ticker := time.NewTicker(devnetMine)
            defer ticker.Stop()
            for {
                select {
                case <-ctx.Done():
                    return
                case <-ticker.C:
                    var h chain.Hash
                    if _, err := rand.Read(h[:]); err != nil {
                        continue
                    }
                    tip := memChain.Extend(h)
                    b.Publish(ctx, bus.Event{Kind: bus.KindBlockTip, Height: tip.Height, Body: tip})
                }
            }
        }()
    }

    if err := m.StartAll(ctx); err != nil {
        logger.Error(err.Error())
        os.Exit(1)
    }
    <-ctx.Done()
    _ = m.StopAll(context.Background())
}

func buildNetConfig(enable bool, listen, boot string, nat bool) p2p.NetConfig {
    cfg := p2p.NetConfig{Enable: enable, NAT: nat}
    if listen != "" {
        cfg.Listen = []string{listen}
    }
    if boot == "" {
        return cfg
    }
    if fi, err := os.Stat(boot); err == nil && !fi.IsDir() {
        if b, err := os.ReadFile(boot); err == nil {
            for _, ln := range strings.Split(string(b), "\n") {
                if ln = strings.TrimSpace(ln); ln != "" {
                    cfg.Bootnodes = append(cfg.Bootnodes, ln)
                }
            }
        }
        return cfg
    }
    for _, p := range strings.Split(boot, ",") {
        if p = strings.TrimSpace(p); p != "" {
            cfg.Bootnodes = append(cfg.Bootnodes, p)
        }
    }
    return cfg
}

// memberEntry is the devnet registry file format.
type memberEntry struct {
    ProTxHash      string `json:"pro_tx_hash"`
    ConfirmedHash  string `json:"confirmed_hash"`
    OperatorPubKey string `json:"operator_pub_key"`
    Address        string `json:"address"`
    Banned         bool   `json:"banned"`
}

func loadMembers(path string) ([]*registry.Masternode, error) {
    raw, err := os.ReadFile(path)
    if err != nil {
        return nil, err
    }
    var entries []memberEntry
    if err := json.Unmarshal(raw, &entries); err != nil {
        return nil, err
    }
    out := make([]*registry.Masternode, 0, len(entries))
    for _, e := range entries {
        mn := &registry.Masternode{Address: e.Address, Banned: e.Banned}
        if b, err := hex.DecodeString(e.ProTxHash); err == nil {
            copy(mn.ProTxHash[:], b)
        }
        if b, err := hex.DecodeString(e.ConfirmedHash); err == nil {
            copy(mn.ConfirmedHashWithProTxHash[:], b)
        }
        if b, err := hex.DecodeString(e.OperatorPubKey); err == nil {
            mn.OperatorPubKey = b
        }
        out = append(out, mn)
    }
    return out, nil
}
